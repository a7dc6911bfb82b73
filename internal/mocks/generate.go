// Package mocks provides mock implementations of the dispatch ports for tests.
//
// The mocks are generated with go.uber.org/mock (gomock) from the interfaces in internal/core.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	repo := mocks.NewMockJobRepository(ctrl)
//	repo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(job, nil)
package mocks

// Queue: Create, GetByID, FindByMessageID, ReserveNext, WaitForNotification, Heartbeat,
// Complete, Reschedule, Fail, Stats, Delete
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=job_repository_mock.go github.com/target/dispatchd/internal/core JobRepository

// Message store: Create, GetByID, GetByIDs, List, Save, Cancel, MarkErrored, Retry
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=message_repository_mock.go github.com/target/dispatchd/internal/core MessageRepository

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=delivery_attempt_repository_mock.go github.com/target/dispatchd/internal/core DeliveryAttemptRepository

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=delivery_lock_mock.go github.com/target/dispatchd/internal/core DeliveryLock

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=transport_mock.go github.com/target/dispatchd/internal/core Transport,TransportResolver

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=reaper_repository_mock.go github.com/target/dispatchd/internal/core ReaperRepository
