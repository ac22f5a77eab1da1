package jobopts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Output file names written into a job folder.
const (
	JobOptionsFile = "jobo.py"
	LauncherFile   = "launcher.sh"
)

// Template placeholders.
const (
	PlaceholderBaseDir  = "{{BASEDIR}}"
	PlaceholderOutput   = "{{OUTPUT}}"
	PlaceholderFiles    = "{{FILES}}"
	PlaceholderASetup   = "{{ASETUP}}"
	PlaceholderPostExec = "{{POSTEXEC}}"
)

// Options describes one job folder to render.
type Options struct {
	// TemplateDir holds the job options templates, launcher.sh and the
	// post-exec snippets.
	TemplateDir string
	// BaseDir replaces {{BASEDIR}}. Defaults to the parent of TemplateDir.
	BaseDir string
	// Template is the job options template, relative to TemplateDir unless
	// absolute.
	Template string
	// PostExec is an optional snippet inserted at {{POSTEXEC}}.
	PostExec   string
	ASetup     string
	FilePrefix string
}

// Result lists the files written by Render.
type Result struct {
	Folder     string
	JobOptions string
	Launcher   string
}

// Render writes jobo.py and launcher.sh for files into output, creating
// the folder when needed. Every placeholder is substituted; an absent
// post-exec snippet leaves {{POSTEXEC}} empty.
func Render(opts Options, files []string, output string) (*Result, error) {
	if opts.TemplateDir == "" {
		return nil, errors.New("template directory is required")
	}

	if opts.Template == "" {
		return nil, errors.New("job options template is required")
	}

	tmplDir, err := filepath.Abs(opts.TemplateDir)
	if err != nil {
		return nil, fmt.Errorf("resolving template directory: %w", err)
	}

	outDir, err := filepath.Abs(output)
	if err != nil {
		return nil, fmt.Errorf("resolving output directory: %w", err)
	}

	baseDir := opts.BaseDir
	if baseDir == "" {
		baseDir = filepath.Dir(tmplDir)
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	var postExec string

	if opts.PostExec != "" {
		data, err := os.ReadFile(templatePath(tmplDir, opts.PostExec))
		if err != nil {
			return nil, fmt.Errorf("reading post-exec template: %w", err)
		}

		postExec = strings.ReplaceAll(string(data), PlaceholderBaseDir, baseDir)
	}

	replacer := strings.NewReplacer(
		PlaceholderBaseDir, baseDir,
		PlaceholderOutput, outDir,
		PlaceholderFiles, FormatFiles(opts.FilePrefix, files),
		PlaceholderASetup, opts.ASetup,
		PlaceholderPostExec, postExec,
	)

	result := &Result{
		Folder:     outDir,
		JobOptions: filepath.Join(outDir, JobOptionsFile),
		Launcher:   filepath.Join(outDir, LauncherFile),
	}

	if err := renderFile(
		replacer, templatePath(tmplDir, opts.Template), result.JobOptions, 0o644,
	); err != nil {
		return nil, err
	}

	if err := renderFile(
		replacer, filepath.Join(tmplDir, LauncherFile), result.Launcher, 0o755,
	); err != nil {
		return nil, err
	}

	return result, nil
}

// FormatFiles renders the input file list as quoted, comma separated
// entries, each with prefix prepended.
func FormatFiles(prefix string, files []string) string {
	quoted := make([]string, 0, len(files))
	for _, f := range files {
		quoted = append(quoted, "'"+prefix+f+"'")
	}

	return strings.Join(quoted, ", ")
}

func templatePath(dir, name string) string {
	if filepath.IsAbs(name) {
		return name
	}

	return filepath.Join(dir, name)
}

func renderFile(r *strings.Replacer, src, dst string, mode os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("reading template %s: %w", src, err)
	}

	//nolint:gosec // Launcher scripts must be executable.
	if err := os.WriteFile(dst, []byte(r.Replace(string(data))), mode); err != nil {
		return fmt.Errorf("writing %s: %w", dst, err)
	}

	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(dst, mode); err != nil {
		return fmt.Errorf("setting mode of %s: %w", dst, err)
	}

	return nil
}
