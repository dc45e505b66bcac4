package scheduler

import (
	"sort"

	"keel/pkg/model"
)

// rankOffers 同一批里的 offer 按空闲程度从高到低处理,
// 让单例服务 (api / console) 优先落在最空闲的节点上. 分数相同按主机名
func rankOffers(offers []*model.Offer) []*model.Offer {
	ranked := append([]*model.Offer(nil), offers...)
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := offerScore(ranked[i]), offerScore(ranked[j])
		if si != sj {
			return si > sj
		}
		return ranked[i].Hostname < ranked[j].Hostname
	})
	return ranked
}

// offerScore CPU 核数与内存 GiB 数简单相加, 每项封顶 100
func offerScore(offer *model.Offer) int {
	cpuScore := int(offer.Resources.MilliCPU / 1000)
	if cpuScore > 100 {
		cpuScore = 100
	}
	memScore := int(offer.Resources.Memory / 1024)
	if memScore > 100 {
		memScore = 100
	}
	return cpuScore + memScore
}
