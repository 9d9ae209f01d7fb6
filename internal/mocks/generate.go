// Package mocks provides gomock implementations of the export pipeline ports.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	render := mocks.NewMockRenderEngine(ctrl)
//	render.EXPECT().Render(gomock.Any(), gomock.Any(), "item-1").Return([]byte("png"), nil)
package mocks

// Collaborators the worker pool calls per item.
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=render_engine_mock.go github.com/target/exportd/internal/core RenderEngine
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=storage_mock.go github.com/target/exportd/internal/core Storage
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=progress_publisher_mock.go github.com/target/exportd/internal/core ProgressPublisher

// Persistence ports, for failure paths the in-memory backends cannot produce.
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=job_store_mock.go github.com/target/exportd/internal/core JobStore
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=queue_mock.go github.com/target/exportd/internal/core Queue
