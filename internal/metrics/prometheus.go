package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ExamsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xrayvision_exams_received_total",
			Help: "Total composite instances received over DICOM",
		},
		[]string{"source"},
	)

	ExamsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xrayvision_exams_processed_total",
			Help: "Total exams that left the processing stage",
		},
		[]string{"outcome"},
	)

	ProcessingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "xrayvision_processing_duration_seconds",
			Help:    "End-to-end processing duration per exam",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		},
	)

	InferenceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xrayvision_inference_duration_seconds",
			Help:    "Inference call duration per endpoint",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"endpoint"},
	)

	InferenceFailovers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "xrayvision_inference_failovers_total",
			Help: "Total times the primary endpoint failed over to the secondary",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xrayvision_queue_depth",
			Help: "Exams currently waiting for processing",
		},
	)

	PositiveFindings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xrayvision_positive_findings_total",
			Help: "Total positive AI findings",
		},
		[]string{"region"},
	)

	RetrievalsTriggered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xrayvision_retrievals_total",
			Help: "Total archive retrieval operations",
		},
		[]string{"strategy", "status"},
	)

	WebsocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xrayvision_websocket_clients",
			Help: "Connected live observers",
		},
	)
)

func Init() {
	prometheus.MustRegister(ExamsReceived)
	prometheus.MustRegister(ExamsProcessed)
	prometheus.MustRegister(ProcessingDuration)
	prometheus.MustRegister(InferenceDuration)
	prometheus.MustRegister(InferenceFailovers)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(PositiveFindings)
	prometheus.MustRegister(RetrievalsTriggered)
	prometheus.MustRegister(WebsocketClients)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
