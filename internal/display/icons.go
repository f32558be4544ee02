package display

import (
	"os"

	"github.com/mattn/go-isatty"
)

// Icon is a status marker with an ASCII fallback
type Icon struct {
	Unicode string
	ASCII   string
}

var icons = map[string]Icon{
	"success":           {Unicode: "✔", ASCII: "[OK]"},
	"validation_failed": {Unicode: "✘", ASCII: "[INVALID]"},
	"upload_failed":     {Unicode: "⚠", ASCII: "[UPLOAD]"},
	"aborted":           {Unicode: "✘", ASCII: "[ABORTED]"},
	"key":               {Unicode: "🔑", ASCII: "[KEY]"},
	"warning":           {Unicode: "⚠", ASCII: "[!]"},
	"cloud":             {Unicode: "☁", ASCII: "[CLOUD]"},
	"file":              {Unicode: "▪", ASCII: "-"},
}

// IconSet renders icons, falling back to ASCII where Unicode is unlikely to
// display
type IconSet struct {
	unicode bool
}

// NewIconSet creates an icon set. Unicode is used only when enabled is true
// and the terminal supports it.
func NewIconSet(enabled bool) *IconSet {
	return &IconSet{unicode: enabled && detectUnicodeSupport()}
}

// Render returns the icon for name, or an empty string when unknown
func (is *IconSet) Render(name string) string {
	icon, ok := icons[name]
	if !ok {
		return ""
	}
	if is.unicode {
		return icon.Unicode
	}
	return icon.ASCII
}

func detectUnicodeSupport() bool {
	if os.Getenv("FORCE_UNICODE") != "" {
		return true
	}
	if os.Getenv("NO_UNICODE") != "" {
		return false
	}
	if os.Getenv("LANG") == "C" || os.Getenv("LC_ALL") == "C" {
		return false
	}
	if term := os.Getenv("TERM"); term == "dumb" || term == "vt100" {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}
