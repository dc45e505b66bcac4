package scheduler

import (
	"testing"

	"gotest.tools/v3/assert"

	"keel/pkg/model"
)

func TestVersionChange(t *testing.T) {
	tests := []struct {
		target, actual, want string
	}{
		{"2.0.0", "1.9.3", "upgrade"},
		{"v1.2.0", "v1.10.0", "downgrade"},
		{"1.2.3", "v1.2.3", "rebuild"},
		{"latest", "1.0.0", "change"},
		{"1.0.0", "nightly-42", "change"},
	}
	for _, tc := range tests {
		assert.Equal(t, versionChange(tc.target, tc.actual), tc.want, "%s -> %s", tc.actual, tc.target)
	}
}

func TestRankOffers(t *testing.T) {
	small := &model.Offer{ID: "small", Hostname: "a", Resources: model.Resource{MilliCPU: 1000, Memory: 1024}}
	big := &model.Offer{ID: "big", Hostname: "z", Resources: model.Resource{MilliCPU: 8000, Memory: 16384}}
	tieB := &model.Offer{ID: "tie-b", Hostname: "b", Resources: model.Resource{MilliCPU: 2000, Memory: 2048}}
	tieA := &model.Offer{ID: "tie-a", Hostname: "a2", Resources: model.Resource{MilliCPU: 2000, Memory: 2048}}

	in := []*model.Offer{small, tieB, big, tieA}
	ranked := rankOffers(in)

	var ids []string
	for _, o := range ranked {
		ids = append(ids, o.ID)
	}
	assert.DeepEqual(t, ids, []string{"big", "tie-a", "tie-b", "small"})
	// 不修改调用方的切片
	assert.Equal(t, in[0].ID, "small")
}
