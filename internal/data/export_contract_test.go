package data

import (
	"reflect"
	"testing"

	"github.com/target/exportd/internal/core"
)

var (
	_ core.JobStore = (*ExportJobRepo)(nil)
	_ core.Queue    = (*ExportQueueRepo)(nil)
)

func TestExportedMethodsMatchPorts(t *testing.T) {
	tests := []struct {
		name     string
		concrete reflect.Type
		port     reflect.Type
	}{
		{"ExportJobRepo", reflect.TypeOf(&ExportJobRepo{}), reflect.TypeOf((*core.JobStore)(nil)).Elem()},
		{"ExportQueueRepo", reflect.TypeOf(&ExportQueueRepo{}), reflect.TypeOf((*core.Queue)(nil)).Elem()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			allowed := make(map[string]struct{}, tt.port.NumMethod())
			for i := range tt.port.NumMethod() {
				allowed[tt.port.Method(i).Name] = struct{}{}
			}
			for i := range tt.concrete.NumMethod() {
				m := tt.concrete.Method(i)
				if _, ok := allowed[m.Name]; !ok {
					t.Fatalf("unexpected exported method on %s: %s", tt.name, m.Name)
				}
			}
		})
	}
}
