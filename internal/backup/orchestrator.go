package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dbvault/internal/crypto"
	"dbvault/internal/engine"
	appErrors "dbvault/internal/errors"
	"dbvault/internal/logging"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// Orchestrator runs backup jobs through dump, validate, compress, encrypt
// and upload. It holds only read-only state, so one orchestrator can run
// many jobs at once.
type Orchestrator struct {
	config      Config
	registry    *engine.Registry
	sinks       SinkResolver
	compression *CompressionManager
	validator   *Validator
	logger      *logging.Logger
	pipeline    *PipelineLogger

	now         func() time.Time
	newJobID    func() string
	generateKey func() (crypto.Key, error)
	retryTimer  backoff.Timer
}

// Option customizes an Orchestrator
type Option func(*Orchestrator)

// WithLogger sets the logger used by the orchestrator and default collaborators
func WithLogger(logger *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithRegistry replaces the engine registry
func WithRegistry(registry *engine.Registry) Option {
	return func(o *Orchestrator) { o.registry = registry }
}

// WithSinkResolver replaces the cloud sink factory
func WithSinkResolver(resolver SinkResolver) Option {
	return func(o *Orchestrator) { o.sinks = resolver }
}

// WithClock replaces time.Now for stage timings
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator replaces the job ID generator
func WithIDGenerator(newID func() string) Option {
	return func(o *Orchestrator) { o.newJobID = newID }
}

// WithKeyGenerator replaces crypto.GenerateKey
func WithKeyGenerator(generate func() (crypto.Key, error)) Option {
	return func(o *Orchestrator) { o.generateKey = generate }
}

// WithRetryTimer replaces the timer that waits between attempts
func WithRetryTimer(timer backoff.Timer) Option {
	return func(o *Orchestrator) { o.retryTimer = timer }
}

// NewOrchestrator validates cfg and builds an orchestrator. A nil cfg uses
// DefaultConfig.
func NewOrchestrator(cfg *Config, opts ...Option) (*Orchestrator, error) {
	config := Config{}
	if cfg != nil {
		config = *cfg
	}
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, appErrors.NewConfigurationError("invalid pipeline configuration", err)
	}

	o := &Orchestrator{
		config:      config,
		compression: NewCompressionManager(),
		now:         time.Now,
		newJobID:    uuid.NewString,
		generateKey: crypto.GenerateKey,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.logger == nil {
		o.logger = logging.NewNopLogger()
	}
	if o.registry == nil {
		o.registry = engine.NewDefaultRegistry(engine.Options{
			Logger:     o.logger,
			ScratchDir: config.WorkDir,
		})
	}
	if o.sinks == nil {
		o.sinks = NewSinkFactory(config.Cloud, o.logger)
	}
	o.validator = NewValidator(config.Validation, o.logger)

	pipeline, err := NewPipelineLogger(PipelineLoggerConfig{
		Logger:       o.logger,
		AuditLogFile: config.AuditLog,
	})
	if err != nil {
		return nil, appErrors.NewConfigurationError("failed to open audit log", err)
	}
	o.pipeline = pipeline

	return o, nil
}

// Close releases the audit log
func (o *Orchestrator) Close() error {
	return o.pipeline.Close()
}

// Config returns the effective configuration
func (o *Orchestrator) Config() Config {
	return o.config
}

// ValidateJob reports every problem with job before any work starts
func (o *Orchestrator) ValidateJob(job BackupJob) error {
	var errs ConfigErrors

	if job.Engine == "" {
		errs.Add("engine", "engine is required", nil)
	}
	if job.Params.Database == "" {
		errs.Add("database", "database name or path is required", nil)
	}
	if job.OutputDir == "" {
		errs.Add("output_dir", "output directory is required", nil)
	}
	if job.Params.Port < 0 || job.Params.Port > 65535 {
		errs.Add("port", "port must be between 0 and 65535", job.Params.Port)
	}
	if !job.Encrypt && !job.Key.IsZero() {
		errs.Add("key", "a key was supplied but encryption is disabled", nil)
	}

	if job.Cloud.Enabled() {
		if !lo.Contains(GetSupportedBackends(), job.Cloud.Backend) {
			errs.Add("cloud.backend", fmt.Sprintf("unsupported backend (supported: %s)", strings.Join(SupportedBackendNames(), ", ")), job.Cloud.Backend)
		}
		if job.Cloud.Bucket == "" {
			errs.Add("cloud.bucket", "bucket is required for upload", nil)
		}
	}

	return errs.AsAppError()
}

// RunAsync runs Run on its own goroutine
func (o *Orchestrator) RunAsync(ctx context.Context, job BackupJob) *Future[*PipelineResult] {
	return Go(func() (*PipelineResult, error) {
		return o.Run(ctx, job)
	})
}

// RunAll runs jobs with at most Concurrency in flight. A failing job does
// not stop the others; results keep the order of jobs. Jobs that would
// publish to the same artifact path are rejected before any of them runs.
func (o *Orchestrator) RunAll(ctx context.Context, jobs []BackupJob) (results []*PipelineResult, err error) {
	done := o.logger.LogOperationStart("backup_batch", map[string]interface{}{"jobs": len(jobs)})
	defer func() { done(err) }()

	results = make([]*PipelineResult, len(jobs))
	errs := make([]error, len(jobs))
	conflicts := o.conflictingDestinations(jobs)

	var g errgroup.Group
	g.SetLimit(o.config.Concurrency)

	for i, job := range jobs {
		if conflict, ok := conflicts[i]; ok {
			results[i], errs[i] = o.reject(job, conflict)
			continue
		}
		i, job := i, job
		g.Go(func() error {
			results[i], errs[i] = o.Run(ctx, job)
			return nil
		})
	}
	_ = g.Wait()

	return results, errors.Join(errs...)
}

// conflictingDestinations maps the index of every job sharing its artifact
// path with another job to the error that rejects it
func (o *Orchestrator) conflictingDestinations(jobs []BackupJob) map[int]error {
	owners := make(map[string][]int)
	for i, job := range jobs {
		adapter, err := o.registry.Get(job.Engine)
		if err != nil {
			continue
		}
		dest, err := o.destination(job, adapter)
		if err != nil {
			continue
		}
		if abs, err := filepath.Abs(dest); err == nil {
			dest = abs
		}
		owners[dest] = append(owners[dest], i)
	}

	conflicts := make(map[int]error)
	for dest, indexes := range owners {
		if len(indexes) < 2 {
			continue
		}
		databases := lo.Map(indexes, func(i int, _ int) string { return jobs[i].Params.Database })
		for _, i := range indexes {
			conflicts[i] = appErrors.NewConfigurationError(
				fmt.Sprintf("databases %s would all be published to %s; use separate output directories",
					strings.Join(databases, ", "), dest), nil)
		}
	}
	return conflicts
}

// reject returns the result of a job refused before it started
func (o *Orchestrator) reject(job BackupJob, err error) (*PipelineResult, error) {
	result := &PipelineResult{
		JobID:  o.newJobID(),
		Engine: job.Engine,
		Status: StatusAborted,
		Stage:  StageAborted,
		Error:  err.Error(),
	}
	o.logger.WithFields(map[string]interface{}{
		"job_id":   result.JobID,
		"engine":   job.Engine,
		"database": job.Params.Database,
	}).Warn("Backup job rejected: " + err.Error())
	return result, err
}

// destination is where job's finished artifact is published
func (o *Orchestrator) destination(job BackupJob, adapter engine.Adapter) (string, error) {
	compressor, err := o.compression.GetCompressor(o.config.Compression.Algorithm)
	if err != nil {
		return "", err
	}
	name := artifactBase(job.Params.Database, adapter.Extension()) + "." + adapter.Extension() + compressor.Extension()
	if job.Encrypt {
		name += crypto.EncryptedExtension
	}
	return filepath.Join(job.OutputDir, name), nil
}

// run is the per-job state shared by every attempt
type run struct {
	job      BackupJob
	adapter  engine.Adapter
	dest     string
	sink     Sink
	key      crypto.Key
	result   *PipelineResult
	pipeline *PipelineLogger
}

// Run executes job and blocks until it finishes. The result is never nil;
// err is the last failure when Status is not StatusSuccess.
func (o *Orchestrator) Run(ctx context.Context, job BackupJob) (result *PipelineResult, err error) {
	jobID := o.newJobID()
	ctx = logging.CreateContextWithJobID(ctx, jobID)

	result = &PipelineResult{
		JobID:  jobID,
		Engine: job.Engine,
		Status: StatusAborted,
		Stage:  StageIdle,
	}
	r := &run{
		job:      job,
		result:   result,
		pipeline: o.pipeline.WithCorrelationID(jobID),
	}

	start := o.now()
	finish := r.pipeline.LogRunStart(ctx, job)
	defer func() {
		result.Duration = o.now().Sub(start)
		if err != nil {
			result.Error = err.Error()
		}
		finish(result, err)
	}()

	if err := o.prepare(ctx, r); err != nil {
		result.Stage = StageAborted
		return result, err
	}

	policy := NewRetryPolicy(o.config.Retry)
	policy.Timer = o.retryTimer

	attempts, err := policy.Do(ctx, func(attempt int) error {
		return o.attempt(ctx, r, attempt)
	}, func(attempt int, err error, delay time.Duration) {
		r.pipeline.LogRetry(attempt, delay, err)
	})
	result.Attempts = attempts
	result.Status = statusFor(err)

	if err != nil {
		result.Stage = StageAborted
		if result.Status != StatusUploadFailed {
			o.discardArtifact(result)
		}
	} else {
		result.Stage = StageDone
	}

	if result.ArtifactPath == "" {
		result.GeneratedKey = nil
	}
	return result, err
}

// prepare resolves collaborators and the key once, before any attempt
func (o *Orchestrator) prepare(ctx context.Context, r *run) error {
	if err := o.ValidateJob(r.job); err != nil {
		return err
	}

	adapter, err := o.registry.Get(r.job.Engine)
	if err != nil {
		return err
	}
	r.adapter = adapter

	dest, err := o.destination(r.job, adapter)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dest); err == nil {
		return artifactExistsError(dest)
	}
	r.dest = dest

	if r.job.Cloud.Enabled() {
		sink, err := o.sinks.Resolve(ctx, r.job.Cloud.Backend)
		if err != nil {
			return err
		}
		r.sink = sink
	}

	if r.job.Encrypt {
		r.key = r.job.Key
		if r.key.IsZero() {
			key, err := o.generateKey()
			if err != nil {
				return err
			}
			r.key = key
			r.result.GeneratedKey = &key
		}
		r.result.KeyFingerprint = r.key.Fingerprint()
	}

	return nil
}

// attempt runs the whole stage sequence once in a private work directory
func (o *Orchestrator) attempt(ctx context.Context, r *run, attempt int) error {
	result := r.result
	o.discardArtifact(result)
	result.Remote = nil

	work, err := os.MkdirTemp(o.config.WorkDir, "dbvault-"+result.JobID+"-")
	if err != nil {
		return appErrors.NewIOError("failed to create work directory", err)
	}
	defer os.RemoveAll(work)

	// stages run to completion once started; cancellation is honored between them
	opCtx := context.WithoutCancel(ctx)

	var (
		conn   engine.Connection
		dump   *engine.DumpArtifact
		packed *CompressedArtifact
	)
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	err = o.stage(ctx, r, attempt, StageDumping, func() (map[string]interface{}, error) {
		var err error
		conn, err = r.adapter.Connect(opCtx, r.job.Params)
		if err != nil {
			return nil, err
		}
		path := filepath.Join(work, artifactBase(r.job.Params.Database, r.adapter.Extension())+"."+r.adapter.Extension())
		dump, err = r.adapter.Dump(opCtx, conn, path)
		if err != nil {
			return nil, err
		}
		result.DumpChecksum = dump.Checksum
		return map[string]interface{}{"size": dump.Size, "checksum": dump.Checksum}, nil
	})
	if err != nil {
		return err
	}

	err = o.stage(ctx, r, attempt, StageValidating, func() (map[string]interface{}, error) {
		validated, err := o.validator.Validate(opCtx, r.adapter, conn, dump)
		if validated != nil {
			result.ValidationMethod = validated.Method
		}
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"method": validated.Method, "detail": validated.Detail}, nil
	})
	if err != nil {
		return err
	}
	conn.Close()
	conn = nil

	err = o.stage(ctx, r, attempt, StageCompressing, func() (map[string]interface{}, error) {
		compressor, err := o.compression.GetCompressor(o.config.Compression.Algorithm)
		if err != nil {
			return nil, err
		}
		path := dump.Path + compressor.Extension()
		stats, err := o.compression.CompressFile(opCtx, dump.Path, path, o.config.Compression.Algorithm, o.config.Compression.Level)
		if err != nil {
			return nil, err
		}
		os.Remove(dump.Path)
		packed = &CompressedArtifact{
			Source:    *dump,
			Algorithm: stats.Algorithm,
			Path:      path,
			Size:      stats.CompressedSize,
		}
		return map[string]interface{}{
			"algorithm":         stats.Algorithm,
			"compressed_size":   stats.CompressedSize,
			"compression_ratio": stats.CompressionRatio,
		}, nil
	})
	if err != nil {
		return err
	}

	final := packed.Path
	if r.job.Encrypt {
		err = o.stage(ctx, r, attempt, StageEncrypting, func() (map[string]interface{}, error) {
			path := packed.Path + crypto.EncryptedExtension
			n, err := crypto.EncryptFile(packed.Path, path, r.key)
			if err != nil {
				return nil, err
			}
			os.Remove(packed.Path)
			sealed := &EncryptedArtifact{
				CompressedArtifact: *packed,
				CipherPath:         path,
				CipherSize:         n,
				KeyFingerprint:     r.key.Fingerprint(),
			}
			final = sealed.CipherPath
			return map[string]interface{}{"cipher_size": sealed.CipherSize, "key_fingerprint": sealed.KeyFingerprint}, nil
		})
		if err != nil {
			return err
		}
	}

	dest := r.dest
	if err := publishArtifact(final, dest); err != nil {
		return err
	}
	result.ArtifactPath = dest

	if r.sink == nil {
		return nil
	}

	return o.stage(ctx, r, attempt, StageUploading, func() (map[string]interface{}, error) {
		ref, err := r.sink.Upload(opCtx, dest, r.job.Cloud)
		if err != nil {
			return nil, err
		}
		result.Remote = ref
		return map[string]interface{}{"backend": ref.Backend, "object": ref.Object}, nil
	})
}

// stage records timing and logs around fn, refusing to start once ctx is done
func (o *Orchestrator) stage(ctx context.Context, r *run, attempt int, stage Stage, fn func() (map[string]interface{}, error)) error {
	if err := ctx.Err(); err != nil {
		return appErrors.NewCanceledError(fmt.Sprintf("canceled before %s", stage), err)
	}

	r.result.Stage = stage
	done := r.pipeline.LogStage(ctx, r.job.Engine, attempt, stage)
	started := o.now()

	metadata, err := fn()

	timing := StageTiming{
		Attempt:  attempt,
		Stage:    stage,
		Started:  started,
		Duration: o.now().Sub(started),
	}
	if err != nil {
		timing.Error = err.Error()
	}
	r.result.Timings = append(r.result.Timings, timing)
	done(err, metadata)

	return err
}

// discardArtifact removes a published artifact that the run will not keep
func (o *Orchestrator) discardArtifact(result *PipelineResult) {
	if result.ArtifactPath == "" {
		return
	}
	if err := os.Remove(result.ArtifactPath); err != nil && !os.IsNotExist(err) {
		o.logger.WithFields(map[string]interface{}{
			"path":  result.ArtifactPath,
			"error": err.Error(),
		}).Warn("Failed to remove artifact")
	}
	result.ArtifactPath = ""
}

// statusFor maps the final error of a run onto its status
func statusFor(err error) Status {
	switch {
	case err == nil:
		return StatusSuccess
	case appErrors.Is(err, appErrors.ErrorTypeValidation):
		return StatusValidationFailed
	case appErrors.GetErrorType(err) == appErrors.ErrorTypeUpload && appErrors.IsTransient(err):
		return StatusUploadFailed
	default:
		return StatusAborted
	}
}

// artifactBase names artifacts after the database, dropping a file
// extension that repeats the dump extension (app.db becomes app.db.gz)
func artifactBase(database, ext string) string {
	base := filepath.Base(database)
	return strings.TrimSuffix(base, "."+ext)
}

// publishArtifact moves src to dst without ever replacing an existing file.
// dst is either absent or complete.
func publishArtifact(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return appErrors.NewIOError("failed to create output directory", err)
	}

	err := os.Link(src, dst)
	if err == nil {
		os.Remove(src)
		return nil
	}
	if errors.Is(err, fs.ErrExist) {
		return artifactExistsError(dst)
	}

	// work dir and output dir may be on different filesystems
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.part")
	if err != nil {
		return appErrors.NewIOError("failed to create temporary artifact", err)
	}
	defer os.Remove(tmp.Name())

	if err := copyInto(tmp, src); err != nil {
		return appErrors.NewIOError("failed to copy artifact to output directory", err)
	}

	err = os.Link(tmp.Name(), dst)
	if errors.Is(err, fs.ErrExist) {
		return artifactExistsError(dst)
	}
	if err != nil {
		// output filesystem without hard links
		err = copyExclusive(tmp.Name(), dst)
	}
	if err != nil {
		return err
	}
	os.Remove(src)
	return nil
}

func artifactExistsError(path string) error {
	return appErrors.NewConfigurationError(
		fmt.Sprintf("artifact %s already exists; move it away or choose another output directory", path), nil)
}

// copyInto copies src into dst and closes dst
func copyInto(dst *os.File, src string) error {
	in, err := os.Open(src)
	if err != nil {
		dst.Close()
		return err
	}
	defer in.Close()

	if _, err := io.Copy(dst, in); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

// copyExclusive copies src to a dst that must not exist yet
func copyExclusive(src, dst string) error {
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if errors.Is(err, fs.ErrExist) {
		return artifactExistsError(dst)
	}
	if err != nil {
		return appErrors.NewIOError("failed to create artifact", err)
	}
	if err := copyInto(out, src); err != nil {
		os.Remove(dst)
		return appErrors.NewIOError("failed to publish artifact", err)
	}
	return nil
}
