package deepcopy

import (
	"github.com/LeeDigitalWorks/zapbd/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	bytesReadTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zapbd",
		Subsystem: "deepcopy",
		Name:      "bytes_read_total",
		Help:      "Total bytes read from source objects",
	})

	writeBatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zapbd",
		Subsystem: "deepcopy",
		Name:      "write_batches_total",
		Help:      "Total write batches applied to destination objects",
	})

	objectsCopiedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zapbd",
		Subsystem: "deepcopy",
		Name:      "objects_copied_total",
		Help:      "Total object copy requests completed successfully",
	})

	objectsSkippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zapbd",
		Subsystem: "deepcopy",
		Name:      "objects_skipped_total",
		Help:      "Total object copy requests that found nothing to copy",
	})

	copyErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zapbd",
		Subsystem: "deepcopy",
		Name:      "errors_total",
		Help:      "Total object copy requests that failed",
	})
)

func init() {
	debug.Registry().MustRegister(
		bytesReadTotal,
		writeBatchesTotal,
		objectsCopiedTotal,
		objectsSkippedTotal,
		copyErrorsTotal,
	)
}
