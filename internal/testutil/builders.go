// Package testutil provides test helpers for the export pipeline.
package testutil

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/target/exportd/internal/domain/model"
)

// SubmitRequestBuilder builds SubmitRequest values with sensible defaults.
type SubmitRequestBuilder struct {
	req model.SubmitRequest
}

// NewSubmitRequest starts a batch request for two items owned by "owner-1".
func NewSubmitRequest() *SubmitRequestBuilder {
	return &SubmitRequestBuilder{
		req: model.SubmitRequest{
			OwnerID:  "owner-1",
			ItemRefs: []string{"items/1.png", "items/2.png"},
			Kind:     model.JobKindBatch,
		},
	}
}

// WithID sets a caller-supplied job ID. An empty string generates one.
func (b *SubmitRequestBuilder) WithID(id string) *SubmitRequestBuilder {
	if id == "" {
		id = uuid.NewString()
	}
	b.req.ID = id
	return b
}

// WithOwner sets the owner.
func (b *SubmitRequestBuilder) WithOwner(owner string) *SubmitRequestBuilder {
	b.req.OwnerID = owner
	return b
}

// WithItems sets the item references.
func (b *SubmitRequestBuilder) WithItems(refs ...string) *SubmitRequestBuilder {
	b.req.ItemRefs = refs
	return b
}

// WithItemCount sets n generated item references.
func (b *SubmitRequestBuilder) WithItemCount(n int) *SubmitRequestBuilder {
	refs := make([]string, n)
	for i := range refs {
		refs[i] = fmt.Sprintf("items/%d.png", i+1)
	}
	b.req.ItemRefs = refs
	return b
}

// Single makes a single-item request.
func (b *SubmitRequestBuilder) Single(ref string) *SubmitRequestBuilder {
	b.req.Kind = model.JobKindSingle
	b.req.ItemRefs = []string{ref}
	return b
}

// WithKind sets the job kind.
func (b *SubmitRequestBuilder) WithKind(kind model.JobKind) *SubmitRequestBuilder {
	b.req.Kind = kind
	return b
}

// WithPriority sets the queue priority.
func (b *SubmitRequestBuilder) WithPriority(p model.Priority) *SubmitRequestBuilder {
	b.req.Priority = p
	return b
}

// WithSettings sets explicit render settings.
func (b *SubmitRequestBuilder) WithSettings(s model.RenderSettings) *SubmitRequestBuilder {
	b.req.RenderSettings = &s
	return b
}

// WithPreset names a render preset.
func (b *SubmitRequestBuilder) WithPreset(name string) *SubmitRequestBuilder {
	b.req.Preset = name
	return b
}

// Build returns a copy of the request.
func (b *SubmitRequestBuilder) Build() model.SubmitRequest {
	req := b.req
	req.ItemRefs = append([]string(nil), b.req.ItemRefs...)
	return req
}
