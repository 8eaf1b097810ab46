package moderation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var actionCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "nsfwbot_moderation_action_count",
	Help: "Number of moderation actions issued, by action and outcome",
}, []string{"action", "outcome"})

var batchCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "nsfwbot_batch_count",
	Help: "Number of processed image batches, by outcome",
}, []string{"outcome"})
