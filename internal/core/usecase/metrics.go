package usecase

import (
	"time"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
)

type nopMetrics struct{}

func (nopMetrics) RunStarted() {}
func (nopMetrics) RunFinished(domain.DocumentStatus, time.Duration) {}
func (nopMetrics) StageFinished(domain.StageName, domain.StageStatus, time.Duration) {}
func (nopMetrics) Degraded(domain.StageName) {}
func (nopMetrics) QueueLag(time.Duration) {}
