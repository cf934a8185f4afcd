package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/eunmann/tlc-sync/pkg/pipeline"
	"github.com/eunmann/tlc-sync/pkg/tripdata"
)

// Plan is an ordered list of batches to sync.
//
//	batches:
//	  - service: green
//	    years: [2019, 2020]
//	  - service: yellow
//	    years: [2019, 2020]
type Plan struct {
	Batches []PlanEntry `yaml:"batches"`
}

// PlanEntry expands to one batch per year, in the order given.
type PlanEntry struct {
	Service string `yaml:"service"`
	Years   []int  `yaml:"years"`
}

// DefaultPlan syncs green and yellow for 2019 and 2020.
func DefaultPlan() Plan {
	return Plan{Batches: []PlanEntry{
		{Service: string(tripdata.ServiceGreen), Years: []int{2019, 2020}},
		{Service: string(tripdata.ServiceYellow), Years: []int{2019, 2020}},
	}}
}

// LoadPlan reads a YAML plan file.
func LoadPlan(path string) (Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, fmt.Errorf("read plan file: %w", err)
	}
	return ParsePlan(data)
}

// ParsePlan decodes a YAML plan, rejecting unknown fields.
func ParsePlan(data []byte) (Plan, error) {
	var p Plan
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return Plan{}, fmt.Errorf("parse plan: %w", err)
	}
	if _, err := p.Expand(); err != nil {
		return Plan{}, err
	}
	return p, nil
}

// Expand validates the plan and returns its batches in run order.
func (p Plan) Expand() ([]pipeline.Batch, error) {
	if len(p.Batches) == 0 {
		return nil, errors.New("plan has no batches")
	}

	var out []pipeline.Batch
	for i, entry := range p.Batches {
		svc, err := tripdata.ParseService(entry.Service)
		if err != nil {
			return nil, fmt.Errorf("plan entry %d: %w", i+1, err)
		}
		if len(entry.Years) == 0 {
			return nil, fmt.Errorf("plan entry %d: no years", i+1)
		}
		for _, year := range entry.Years {
			if _, err := tripdata.NewWorkUnit(year, svc, 1); err != nil {
				return nil, fmt.Errorf("plan entry %d: %w", i+1, err)
			}
			out = append(out, pipeline.Batch{Service: svc, Year: year})
		}
	}
	return out, nil
}
