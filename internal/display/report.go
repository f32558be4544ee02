package display

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"dbvault/internal/backup"
	"dbvault/internal/crypto"

	"gopkg.in/yaml.v3"
)

// OutputFormat selects how results are rendered
type OutputFormat string

const (
	FormatTable   OutputFormat = "table"
	FormatJSON    OutputFormat = "json"
	FormatYAML    OutputFormat = "yaml"
	FormatCompact OutputFormat = "compact"
)

// OutputFormats lists every supported format
func OutputFormats() []string {
	return []string{string(FormatTable), string(FormatJSON), string(FormatYAML), string(FormatCompact)}
}

// Config controls the reporter
type Config struct {
	Format       OutputFormat
	Theme        string
	TableStyle   string
	ColorEnabled bool
	UseIcons     bool
	Writer       io.Writer
}

// DefaultConfig renders colored tables to stdout
func DefaultConfig() Config {
	return Config{
		Format:       FormatTable,
		Theme:        "dark",
		TableStyle:   "default",
		ColorEnabled: true,
		UseIcons:     true,
		Writer:       os.Stdout,
	}
}

// Validate checks the format, theme and table style names
func (c Config) Validate() error {
	var problems []string
	if !contains(OutputFormats(), string(c.Format)) {
		problems = append(problems, fmt.Sprintf("invalid output format '%s', must be one of: %s", c.Format, strings.Join(OutputFormats(), ", ")))
	}
	if !contains(ThemeNames(), c.Theme) {
		problems = append(problems, fmt.Sprintf("invalid theme '%s', must be one of: %s", c.Theme, strings.Join(ThemeNames(), ", ")))
	}
	styles := []string{"default", "rounded", "minimal"}
	if !contains(styles, c.TableStyle) {
		problems = append(problems, fmt.Sprintf("invalid table style '%s', must be one of: %s", c.TableStyle, strings.Join(styles, ", ")))
	}
	if len(problems) > 0 {
		return fmt.Errorf("display configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func contains(list []string, item string) bool {
	for _, s := range list {
		if s == item {
			return true
		}
	}
	return false
}

// Reporter prints pipeline results and one-time key notices
type Reporter struct {
	config Config
	colors ColorSystem
	icons  *IconSet
	w      io.Writer
}

// NewReporter creates a reporter
func NewReporter(config Config) *Reporter {
	w := config.Writer
	if w == nil {
		w = os.Stdout
	}
	if config.Format == "" {
		config.Format = FormatTable
	}
	return &Reporter{
		config: config,
		colors: NewColorSystem(GetThemeByName(config.Theme), config.ColorEnabled),
		icons:  NewIconSet(config.UseIcons),
		w:      w,
	}
}

// resultView is the serialized form of a result
type resultView struct {
	JobID            string                  `json:"job_id" yaml:"job_id"`
	Engine           string                  `json:"engine" yaml:"engine"`
	Status           string                  `json:"status" yaml:"status"`
	Attempts         int                     `json:"attempts" yaml:"attempts"`
	Artifact         string                  `json:"artifact,omitempty" yaml:"artifact,omitempty"`
	ValidationMethod string                  `json:"validation_method,omitempty" yaml:"validation_method,omitempty"`
	DumpChecksum     string                  `json:"dump_checksum,omitempty" yaml:"dump_checksum,omitempty"`
	KeyFingerprint   string                  `json:"key_fingerprint,omitempty" yaml:"key_fingerprint,omitempty"`
	Remote           *backup.RemoteReference `json:"remote,omitempty" yaml:"remote,omitempty"`
	Duration         string                  `json:"duration" yaml:"duration"`
	Error            string                  `json:"error,omitempty" yaml:"error,omitempty"`
}

func viewOf(r *backup.PipelineResult) resultView {
	return resultView{
		JobID:            r.JobID,
		Engine:           r.Engine,
		Status:           string(r.Status),
		Attempts:         r.Attempts,
		Artifact:         r.ArtifactPath,
		ValidationMethod: string(r.ValidationMethod),
		DumpChecksum:     r.DumpChecksum,
		KeyFingerprint:   r.KeyFingerprint,
		Remote:           r.Remote,
		Duration:         r.Duration.Round(time.Millisecond).String(),
		Error:            r.Error,
	}
}

// PrintResults renders results in the configured format. Generated keys are
// never part of this output.
func (rp *Reporter) PrintResults(results []*backup.PipelineResult) error {
	views := make([]resultView, 0, len(results))
	for _, r := range results {
		if r != nil {
			views = append(views, viewOf(r))
		}
	}

	switch rp.config.Format {
	case FormatJSON:
		enc := json.NewEncoder(rp.w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(views); err != nil {
			return fmt.Errorf("failed to marshal results to JSON: %w", err)
		}
		return nil

	case FormatYAML:
		data, err := yaml.Marshal(views)
		if err != nil {
			return fmt.Errorf("failed to marshal results to YAML: %w", err)
		}
		_, err = rp.w.Write(data)
		return err

	case FormatCompact:
		for _, v := range views {
			line := fmt.Sprintf("%s %s %s attempts=%d", v.Status, v.Engine, v.JobID, v.Attempts)
			if v.Artifact != "" {
				line += " artifact=" + v.Artifact
			}
			if v.Remote != nil {
				line += " remote=" + v.Remote.URL
			}
			if v.Error != "" {
				line += fmt.Sprintf(" error=%q", v.Error)
			}
			fmt.Fprintln(rp.w, line)
		}
		return nil

	default:
		return rp.printTable(views)
	}
}

func (rp *Reporter) printTable(views []resultView) error {
	table := NewTable(rp.colors, BorderStyleByName(rp.config.TableStyle))
	table.SetHeaders("STATUS", "ENGINE", "ATTEMPTS", "ARTIFACT", "VALIDATION", "DURATION")
	for _, v := range views {
		artifact := v.Artifact
		if v.Remote != nil {
			artifact = v.Remote.URL
		}
		table.AddRow(rp.status(v.Status), v.Engine, fmt.Sprint(v.Attempts), artifact, v.ValidationMethod, v.Duration)
	}
	if err := table.RenderTo(rp.w); err != nil {
		return err
	}

	theme := rp.colors.Theme()
	for _, v := range views {
		if v.Error != "" {
			fmt.Fprintf(rp.w, "%s %s: %s\n", rp.icons.Render("aborted"), v.Engine, rp.colors.Sprint(theme.Error, v.Error))
		}
	}
	return nil
}

func (rp *Reporter) status(status string) string {
	theme := rp.colors.Theme()
	var clr Color
	switch backup.Status(status) {
	case backup.StatusSuccess:
		clr = theme.Success
	case backup.StatusUploadFailed:
		clr = theme.Warning
	default:
		clr = theme.Error
	}
	label := status
	if icon := rp.icons.Render(status); icon != "" {
		label = icon + " " + status
	}
	return rp.colors.Sprint(clr, label)
}

// PrintGeneratedKey shows a pipeline generated key exactly once, together
// with a warning that it cannot be recovered
func (rp *Reporter) PrintGeneratedKey(key crypto.Key) {
	theme := rp.colors.Theme()
	fmt.Fprintln(rp.w)
	fmt.Fprintf(rp.w, "%s %s\n", rp.icons.Render("key"), rp.colors.Sprint(theme.Highlight, "Encryption key (shown only once):"))
	fmt.Fprintf(rp.w, "    %s\n", rp.colors.Sprint(theme.Success, key.Encode()))
	fmt.Fprintf(rp.w, "    fingerprint %s\n", key.Fingerprint())
	fmt.Fprintf(rp.w, "%s %s\n", rp.icons.Render("warning"),
		rp.colors.Sprint(theme.Warning, "Store this key now. The backup cannot be decrypted without it."))
	fmt.Fprintln(rp.w)
}

// Warn prints a warning line
func (rp *Reporter) Warn(format string, args ...interface{}) {
	fmt.Fprintf(rp.w, "%s %s\n", rp.icons.Render("warning"), rp.colors.Sprintf(rp.colors.Theme().Warning, format, args...))
}

// PrintTable renders arbitrary rows with the configured colors and borders
func (rp *Reporter) PrintTable(headers []string, rows [][]string) error {
	table := NewTable(rp.colors, BorderStyleByName(rp.config.TableStyle))
	table.SetHeaders(headers...)
	for _, row := range rows {
		table.AddRow(row...)
	}
	return table.RenderTo(rp.w)
}

// Success prints a confirmation line
func (rp *Reporter) Success(format string, args ...interface{}) {
	fmt.Fprintf(rp.w, "%s %s\n", rp.icons.Render("success"), rp.colors.Sprintf(rp.colors.Theme().Success, format, args...))
}
