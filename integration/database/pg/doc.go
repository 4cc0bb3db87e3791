// Package pg provides the PostgreSQL storage backend for the task engine,
// along with connection management and schema migrations.
//
// The package wraps the pgx driver with retry-based connection establishment,
// pool tuning, and embedded goose migrations, and implements the engine's
// storage contract on top of the resulting pool.
//
// # Setup
//
// Connect, migrate, then hand the storage to the engine:
//
//	cfg := pg.DefaultConfig(os.Getenv("PG_CONN_URL"))
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer pool.Close()
//
//	if err := pg.Migrate(ctx, pool); err != nil {
//		log.Fatal(err)
//	}
//
//	store, err := pg.NewStorage(pool)
//	if err != nil {
//		log.Fatal(err)
//	}
//	svc, err := engine.NewService(store)
//
// # Transactional dispatch
//
// Writes pick up a transaction travelling in the context, which lets a task
// be enqueued atomically with the business write that motivates it:
//
//	tx, _ := pool.Begin(ctx)
//	defer tx.Rollback(ctx)
//
//	// ... business writes on tx ...
//
//	_, err = svc.Dispatch(pg.WithTx(ctx, tx), SendWelcomeEmail{UserID: user.ID})
//	if err != nil {
//		return err
//	}
//	return tx.Commit(ctx)
//
// If the transaction rolls back, the task row disappears with it. Because the
// running engine reads through its own pool session, the task only becomes
// visible to consumers once the transaction commits.
//
// # Schema
//
// Migrate applies the embedded schema: a tasks table with a partial unique
// index on task_key and a keyset-friendly partial index over non-terminal
// statuses, plus audit and execution-log tables that cascade on task
// deletion. Migrations are tracked by goose in its default version table.
//
// # Error classification
//
// Helpers such as IsNotFoundError, IsDuplicateKeyError and
// IsForeignKeyViolationError translate driver errors into branchable
// conditions without leaking pgx types into callers.
package pg
