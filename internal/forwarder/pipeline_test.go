package forwarder_test

import (
	"errors"
	"testing"

	"github.com/unifycore/pcp-sdn/internal/forwarder"
)

func TestPipelineNextTable(t *testing.T) {
	t.Parallel()

	p := forwarder.NewPipeline()

	tests := []struct {
		from forwarder.Table
		want forwarder.Table
	}{
		{forwarder.TableClassify, forwarder.TableARP},
		{forwarder.TableARP, forwarder.TableNAT},
		{forwarder.TableNAT, forwarder.TableForward},
	}
	for _, tt := range tests {
		got, err := p.NextTable(tt.from)
		if err != nil {
			t.Fatalf("NextTable(%v) error = %v", tt.from, err)
		}
		if got != tt.want {
			t.Fatalf("NextTable(%v) = %v, want %v", tt.from, got, tt.want)
		}
	}
}

func TestPipelineNextTableLastStage(t *testing.T) {
	t.Parallel()

	p := forwarder.NewPipeline()
	if _, err := p.NextTable(forwarder.TableForward); !errors.Is(err, forwarder.ErrLastTable) {
		t.Fatalf("NextTable(TableForward) error = %v, want ErrLastTable", err)
	}
}

func TestPipelineNextTableUnknown(t *testing.T) {
	t.Parallel()

	p := forwarder.NewPipeline()
	if _, err := p.NextTable(forwarder.Table(99)); !errors.Is(err, forwarder.ErrUnknownTable) {
		t.Fatalf("NextTable(99) error = %v, want ErrUnknownTable", err)
	}
}

func TestPipelineTableIDAssignsByPosition(t *testing.T) {
	t.Parallel()

	p := forwarder.NewPipeline()

	tests := []struct {
		table forwarder.Table
		want  uint8
	}{
		{forwarder.TableClassify, 0},
		{forwarder.TableARP, 1},
		{forwarder.TableNAT, 2},
		{forwarder.TableForward, 3},
	}
	for _, tt := range tests {
		got, err := p.TableID(tt.table)
		if err != nil {
			t.Fatalf("TableID(%v) error = %v", tt.table, err)
		}
		if got != tt.want {
			t.Fatalf("TableID(%v) = %d, want %d", tt.table, got, tt.want)
		}
	}
}

func TestPipelineTableIDUnknown(t *testing.T) {
	t.Parallel()

	p := forwarder.NewPipeline()
	if _, err := p.TableID(forwarder.Table(99)); !errors.Is(err, forwarder.ErrUnknownTable) {
		t.Fatalf("TableID(99) error = %v, want ErrUnknownTable", err)
	}
}
