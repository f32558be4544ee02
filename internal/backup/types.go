package backup

import (
	"time"

	"dbvault/internal/crypto"
	"dbvault/internal/engine"
)

// Status is the terminal outcome of a pipeline run
type Status string

const (
	StatusSuccess          Status = "success"
	StatusValidationFailed Status = "validation_failed"
	StatusUploadFailed     Status = "upload_failed"
	StatusAborted          Status = "aborted"
)

// Stage is a step of the pipeline state machine
type Stage string

const (
	StageIdle        Stage = "idle"
	StageDumping     Stage = "dumping"
	StageValidating  Stage = "validating"
	StageCompressing Stage = "compressing"
	StageEncrypting  Stage = "encrypting"
	StageUploading   Stage = "uploading"
	StageDone        Stage = "done"
	StageAborted     Stage = "aborted"
)

// CompressionType selects the codec applied to every dump
type CompressionType string

const (
	CompressionTypeGzip CompressionType = "gzip"
	CompressionTypeZstd CompressionType = "zstd"
	CompressionTypeLZ4  CompressionType = "lz4"
)

// Backend names a cloud storage service
type Backend string

const (
	BackendS3    Backend = "s3"
	BackendAzure Backend = "azure"
	BackendGCS   Backend = "gcs"
	BackendMinIO Backend = "minio"
)

// CloudTarget says where the final artifact is uploaded
type CloudTarget struct {
	Backend Backend `json:"backend" yaml:"backend"`
	// Bucket is the bucket, or the container for Azure
	Bucket string `json:"bucket" yaml:"bucket"`
	// Object defaults to the artifact file name
	Object string `json:"object,omitempty" yaml:"object,omitempty"`
	// ExpectedOwner is the account ID (S3) or project number (GCS) the
	// bucket must belong to
	ExpectedOwner string `json:"expected_owner,omitempty" yaml:"expected_owner,omitempty"`
}

// Enabled reports whether an upload was requested
func (t CloudTarget) Enabled() bool {
	return t.Backend != ""
}

// BackupJob describes one backup. It is passed by value and never mutated.
type BackupJob struct {
	Engine    string        `json:"engine"`
	Params    engine.Params `json:"params"`
	OutputDir string        `json:"output_dir"`
	Encrypt   bool          `json:"encrypt"`
	// Key is used when set; otherwise a key is generated once per job
	Key   crypto.Key  `json:"-"`
	Cloud CloudTarget `json:"cloud"`
}

// ValidatedArtifact is a dump that passed or failed validation
type ValidatedArtifact struct {
	engine.DumpArtifact
	Valid  bool                    `json:"valid"`
	Method engine.ValidationMethod `json:"method"`
	Detail string                  `json:"detail,omitempty"`
}

// CompressedArtifact is the compressed form of a validated dump
type CompressedArtifact struct {
	Source    engine.DumpArtifact `json:"source"`
	Algorithm CompressionType     `json:"algorithm"`
	Path      string              `json:"path"`
	Size      int64               `json:"size"`
}

// EncryptedArtifact is a compressed artifact sealed with the job key
type EncryptedArtifact struct {
	CompressedArtifact
	CipherPath     string `json:"cipher_path"`
	CipherSize     int64  `json:"cipher_size"`
	KeyFingerprint string `json:"key_fingerprint"`
}

// RemoteReference locates an uploaded artifact
type RemoteReference struct {
	Backend Backend `json:"backend"`
	Bucket  string  `json:"bucket"`
	Object  string  `json:"object"`
	URL     string  `json:"url,omitempty"`
	ETag    string  `json:"etag,omitempty"`
}

// StageTiming records how long one stage of one attempt took
type StageTiming struct {
	Attempt  int           `json:"attempt"`
	Stage    Stage         `json:"stage"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// PipelineResult is the outcome of a pipeline run
type PipelineResult struct {
	JobID            string                  `json:"job_id"`
	Engine           string                  `json:"engine"`
	Status           Status                  `json:"status"`
	Stage            Stage                   `json:"stage"`
	ArtifactPath     string                  `json:"artifact_path,omitempty"`
	Remote           *RemoteReference        `json:"remote,omitempty"`
	Timings          []StageTiming           `json:"timings"`
	Attempts         int                     `json:"attempts"`
	ValidationMethod engine.ValidationMethod `json:"validation_method,omitempty"`
	DumpChecksum     string                  `json:"dump_checksum,omitempty"`
	KeyFingerprint   string                  `json:"key_fingerprint,omitempty"`
	Duration         time.Duration           `json:"duration"`
	Error            string                  `json:"error,omitempty"`

	// GeneratedKey is set only when the pipeline created the key. It is the
	// single place the key leaves the pipeline.
	GeneratedKey *crypto.Key `json:"-"`
}

// TimingFor returns the timings of a stage across all attempts
func (r *PipelineResult) TimingFor(stage Stage) []StageTiming {
	var out []StageTiming
	for _, t := range r.Timings {
		if t.Stage == stage {
			out = append(out, t)
		}
	}
	return out
}
