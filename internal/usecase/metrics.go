package usecase

import (
	"time"

	"github.com/vitos/crypto_autotrader/internal/domain"
)

type nopMetrics struct{}

func (nopMetrics) ObserveCycle(time.Duration)             {}
func (nopMetrics) SetRisk(domain.RiskSnapshot)            {}
func (nopMetrics) TradeClosed(domain.ExitReason, float64) {}
func (nopMetrics) GatewayError(string)                    {}
