package recipe

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	layersAligned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emalign_layers_aligned_total",
		Help: "Layers processed by alignment runs, by result",
	}, []string{"result"})

	layerSNR = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "emalign_layer_snr",
		Help:    "Mean correlation SNR of aligned layers",
		Buckets: []float64{1, 2, 5, 10, 15, 20, 30, 50, 100},
	})
)
