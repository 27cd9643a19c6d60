package authflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// dumpPage writes an HTML snapshot of the current document for offline
// debugging. Disabled by default; every failure here is non-fatal.
func (s *Session) dumpPage(ctx context.Context, drv Driver, phase string) {
	if !s.opts.DebugDumps {
		return
	}
	content, err := drv.Content(ctx)
	if err != nil {
		s.logger.Debug("Debug dump skipped", zap.String("phase", phase), zap.Error(err))
		return
	}
	if err := os.MkdirAll(s.opts.DebugDumpDir, 0o755); err != nil {
		s.logger.Warn("Failed to create dump directory", zap.Error(err))
		return
	}
	shortID := s.id
	if len(shortID) > 5 {
		shortID = shortID[:5]
	}
	name := fmt.Sprintf("%s_%s_%s.html", time.Now().Format("20060102_150405"), shortID, phase)
	path := filepath.Join(s.opts.DebugDumpDir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		s.logger.Warn("Failed to write debug dump", zap.String("path", path), zap.Error(err))
		return
	}
	s.logger.Debug("Debug dump written", zap.String("path", path))
}
