package paymentoracle

import (
	"github.com/fiapo/payment-oracle/logger"
	"github.com/fiapo/payment-oracle/metrics"
)

type Option func(*Oracle)

func WithLogger(l logger.Logger) Option {
	return func(o *Oracle) {
		o.log = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(o *Oracle) {
		o.rec = r
	}
}
