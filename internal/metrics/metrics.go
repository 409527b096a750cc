package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReturnsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "returportal_returns_created_total",
		Help: "Total number of returns successfully created, by parcel size.",
	},
		[]string{"parcel_size"},
	)

	CarrierErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "returportal_carrier_errors_total",
		Help: "Total number of carrier API errors, by diagnosed kind.",
	},
		[]string{"kind"},
	)

	BonusGrantedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "returportal_bonus_granted_total",
		Help: "Total number of free-shipping bonuses granted.",
	})

	BonusConsumedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "returportal_bonus_consumed_total",
		Help: "Total number of free-shipping bonuses consumed on a new order.",
	})

	RateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "returportal_rate_limited_total",
		Help: "Total number of requests rejected by a rate limit.",
	},
		[]string{"scope"},
	)

	LabelsHostedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "returportal_labels_hosted_total",
		Help: "Total number of label PDFs downloaded and hosted locally.",
	})

	LabelsSweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "returportal_labels_swept_total",
		Help: "Total number of hosted label PDFs removed by the retention sweep.",
	})

	AgreementCacheRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "returportal_agreement_cache_refresh_total",
		Help: "Total number of transport-agreement catalog refreshes, by trigger.",
	},
		[]string{"trigger"},
	)
)
