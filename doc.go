// Package taskengine is an embeddable background task engine for Go
// applications: typed handlers, persistent queued tasks, scheduled and
// recurring execution, bounded per-queue worker pools, retries with
// configurable policies, cooperative cancellation and crash recovery.
//
// The module is organised by concern:
//
//   - core/engine: the service facade, dispatcher, scheduler, worker pools
//     and everything needed to register handlers and dispatch tasks.
//   - core/recurring: the interval model and next-occurrence calculator
//     for recurring tasks, including cron expressions.
//   - core/storage: the persistence contract, persisted entity types and
//     an in-memory backend suitable for tests and single-process use.
//   - core/event: the in-process bus carrying task lifecycle events.
//   - integration/database/pg: the PostgreSQL storage backend with
//     embedded migrations.
//
// A minimal setup registers a handler and runs the service:
//
//	type SendEmail struct {
//		To string `json:"to"`
//	}
//
//	svc, err := engine.NewService(storage.NewMemoryStorage())
//	if err != nil {
//		log.Fatal(err)
//	}
//	err = svc.RegisterHandler(engine.NewTaskHandler(func(ctx context.Context, t SendEmail) error {
//		return mailer.Send(ctx, t.To)
//	}))
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	go svc.Run(ctx)
//	id, err := svc.Dispatch(ctx, SendEmail{To: "user@example.com"})
//
// See the individual package documentation for the full API.
package taskengine
