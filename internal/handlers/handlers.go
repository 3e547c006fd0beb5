// Package handlers implements the HTTP API over the indexing pipeline.
package handlers

import (
	"time"

	"comic-index/internal/pipeline"
)

type Handlers struct {
	pipeline  *pipeline.Pipeline
	startTime time.Time
}

func New(p *pipeline.Pipeline) *Handlers {
	return &Handlers{
		pipeline:  p,
		startTime: time.Now(),
	}
}
