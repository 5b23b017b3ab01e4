package metrics

import (
	"sort"
	"strconv"
	"strings"
	"sync"
)

type stageKey struct {
	stage   string
	outcome string
}

type provisioning struct {
	mu     sync.Mutex
	stages map[stageKey]uint64
	quota  uint64
}

var provisionCollector = &provisioning{
	stages: make(map[stageKey]uint64),
}

// ObserveProvisionStage counts a pipeline stage result. Stage is one of
// funding, deployment, retry; outcome is success, failed, pending or timeout.
func ObserveProvisionStage(stage, outcome string) {
	provisionCollector.mu.Lock()
	provisionCollector.stages[stageKey{stage: stage, outcome: outcome}]++
	provisionCollector.mu.Unlock()
}

// ObserveQuotaRejection counts a funding attempt refused by the daily quota.
func ObserveQuotaRejection() {
	provisionCollector.mu.Lock()
	provisionCollector.quota++
	provisionCollector.mu.Unlock()
}

func (p *provisioning) render() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := make([]stageKey, 0, len(p.stages))
	for key := range p.stages {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].stage != keys[j].stage {
			return keys[i].stage < keys[j].stage
		}
		return keys[i].outcome < keys[j].outcome
	})

	var b strings.Builder
	writeHeader(&b, "chainpilot_provision_stage_total", "counter",
		"Provisioning pipeline stage results.")
	for _, key := range keys {
		writeSample(&b, "chainpilot_provision_stage_total", []label{
			{"stage", key.stage},
			{"outcome", key.outcome},
		}, strconv.FormatUint(p.stages[key], 10))
	}

	writeHeader(&b, "chainpilot_funding_quota_rejections_total", "counter",
		"Funding attempts refused by the daily quota.")
	writeSample(&b, "chainpilot_funding_quota_rejections_total", nil,
		strconv.FormatUint(p.quota, 10))

	return b.String()
}
