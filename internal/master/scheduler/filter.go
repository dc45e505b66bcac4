package scheduler

import (
	"go.uber.org/zap"

	"keel/pkg/model"
)

// hostAllowed 配置了主机白名单时, 只在名单内的主机上调度
func (s *Scheduler) hostAllowed(hostname string) bool {
	if s.restrict == nil {
		return true
	}
	_, ok := s.restrict[hostname]
	return ok
}

// fits 检查剩余资源能否放下某个服务, 不够时记录是哪一维不够
func (s *Scheduler) fits(offer *model.Offer, kind model.ServiceKind, remaining model.Resource) bool {
	req := s.ledger.Resources(kind)
	if remaining.Contains(req) {
		return true
	}

	fields := []zap.Field{
		zap.String("host", offer.Hostname),
		zap.Stringer("service", kind),
	}
	switch {
	case remaining.MilliCPU < req.MilliCPU:
		fields = append(fields, zap.String("reason", "insufficient cpu"),
			zap.Int64("free", remaining.MilliCPU), zap.Int64("need", req.MilliCPU))
	case remaining.Memory < req.Memory:
		fields = append(fields, zap.String("reason", "insufficient memory"),
			zap.Int64("free", remaining.Memory), zap.Int64("need", req.Memory))
	case remaining.Disk < req.Disk:
		fields = append(fields, zap.String("reason", "insufficient disk"),
			zap.Int64("free", remaining.Disk), zap.Int64("need", req.Disk))
	default:
		fields = append(fields, zap.String("reason", "ports unavailable"),
			zap.Stringer("offer", remaining), zap.Stringer("need", req))
	}
	s.log.Debug("service filtered", fields...)
	return false
}
