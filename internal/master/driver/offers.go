package driver

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"keel/pkg/model"
)

// makeOffers 上一轮没答复的 offer 先撤回, 然后每个节点生成一份 offer:
// 空闲资源 = 节点总容量 - 该节点上存活任务占用的资源
func (d *Driver) makeOffers(ctx context.Context) {
	d.mu.Lock()
	var rescinded []string
	for id := range d.offers {
		rescinded = append(rescinded, id)
		delete(d.offers, id)
	}

	nodeIDs := make([]string, 0, len(d.nodes))
	for id := range d.nodes {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	var offers []*model.Offer
	for _, id := range nodeIDs {
		node := d.nodes[id]
		if node.Status == model.NodeOffline {
			continue
		}
		free := freeResources(node, d.tasks)
		if free.MilliCPU <= 0 || free.Memory <= 0 {
			continue
		}
		d.offerSeq++
		offer := &model.Offer{
			ID:        fmt.Sprintf("%s-O%d", d.framework, d.offerSeq),
			NodeID:    node.ID,
			Hostname:  node.Hostname,
			Resources: free,
			Roles:     append([]string(nil), node.Roles...),
		}
		d.offers[offer.ID] = offer
		offers = append(offers, offer)
	}
	d.mu.Unlock()

	sort.Strings(rescinded)
	for _, id := range rescinded {
		d.handler.OfferRescinded(id)
	}
	if len(offers) == 0 {
		return
	}
	d.log.Debug("sending offers", zap.Int("count", len(offers)))
	d.handler.ResourceOffers(ctx, offers)
}

// freeResources 节点总容量减去该节点上任务的资源. 端口按区间扣除
func freeResources(node *model.AgentInfo, tasks map[string]*model.TaskSpec) model.Resource {
	free := node.TotalCap
	free.Ports = append([]model.PortRange(nil), free.Ports...)
	for _, t := range tasks {
		if t.NodeID != node.ID {
			continue
		}
		free = free.Sub(t.Resources)
	}
	return free
}

// totalResources 一组任务的资源总和
func totalResources(tasks []*model.TaskSpec) model.Resource {
	var total model.Resource
	for _, t := range tasks {
		total = total.Add(t.Resources)
	}
	return total
}
