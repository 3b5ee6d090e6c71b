package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Archive compiles a report and writes it to dir as comprehensive_report_<unixms>.json.
func (a *Aggregator) Archive(ctx context.Context, dir string) (string, Report, error) {
	rep, err := a.CompileReport(ctx)
	if err != nil {
		return "", Report{}, err
	}
	content, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", Report{}, fmt.Errorf("marshal report: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", Report{}, fmt.Errorf("create report dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("comprehensive_report_%d.json", rep.GeneratedAt.UnixMilli()))
	if err := atomicWrite(path, content); err != nil {
		return "", Report{}, err
	}
	return path, rep, nil
}

func atomicWrite(path string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".report-tmp-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}
