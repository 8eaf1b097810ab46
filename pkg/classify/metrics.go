package classify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var classifierAPIDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name: "nsfwbot_classifier_api_duration_sec",
	Help: "Duration of NSFW classifier API calls",
})

var classifierAPICount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "nsfwbot_classifier_api_count",
	Help: "Number of NSFW classifier API calls, by HTTP status code",
}, []string{"status"})
