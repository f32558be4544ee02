// Package backup runs database backups through one fixed pipeline:
//
//	dump -> validate -> compress -> encrypt (optional) -> upload (optional)
//
// The Orchestrator drives an engine.Adapter through these stages without
// knowing anything about the engine's formats. A dump is trusted only after
// the Validator has restored it into an isolated, uniquely named target
// (dbvault_validate_<8 hex>) and the engine confirmed the restore; the target
// is torn down on every path.
//
// The whole sequence is wrapped in a RetryPolicy. Transient failures (lost
// connections, failed dumps, I/O and upload errors) are retried with
// exponential backoff, 2s doubling up to 10s, for at most three attempts.
// Validation failures, owner mismatches, configuration errors and
// cancellation end the run immediately.
//
// Encryption uses the crypto package. When a job asks for encryption without
// a key, one is generated once per job and handed back exactly once, in
// PipelineResult.GeneratedKey.
//
// Finished artifacts are uploaded through a Sink: S3Sink, AzureSink, GCSSink
// or MinIOSink, created by SinkFactory from CloudConfig.
//
// Example usage:
//
//	orch, err := backup.NewOrchestrator(cfg, backup.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	defer orch.Close()
//
//	result, err := orch.Run(ctx, backup.BackupJob{
//		Engine:    "postgres",
//		Params:    engine.Params{Host: "db.internal", User: "backup", Database: "orders"},
//		OutputDir: "/var/backups",
//		Encrypt:   true,
//	})
//	if err != nil {
//		return fmt.Errorf("backup %s: %w", result.Status, err)
//	}
//	if result.GeneratedKey != nil {
//		fmt.Println("store this key:", result.GeneratedKey.Encode())
//	}
package backup
