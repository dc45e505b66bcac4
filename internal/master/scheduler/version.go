package scheduler

import (
	"strings"

	"github.com/coreos/go-semver/semver"
)

// versionChange 运行版本相对目标版本的变化方向, 只用于日志和状态信息
func versionChange(target, actual string) string {
	t, terr := parseVersion(target)
	a, aerr := parseVersion(actual)
	if terr != nil || aerr != nil {
		return "change"
	}
	switch {
	case a.LessThan(*t):
		return "upgrade"
	case t.LessThan(*a):
		return "downgrade"
	default:
		return "rebuild"
	}
}

func parseVersion(v string) (*semver.Version, error) {
	return semver.NewVersion(strings.TrimPrefix(v, "v"))
}
