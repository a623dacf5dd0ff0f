package shellcache

import (
	"time"

	"go.uber.org/zap"

	"shellcache/internal/config"
)

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	st := s.container.Stats()
	usage := s.storage.Usage()
	fields := []zap.Field{
		zap.Int("generations", usage.Generations),
		zap.Int("entries", usage.Entries),
		zap.String("storage", config.FormatBytes(uint64(max(usage.Bytes, 0)))),
		zap.Uint64("responses", st.Responses),
		zap.String("resp_min", config.FormatBytes(st.MinBytes)),
		zap.String("resp_avg", config.FormatBytes(st.AvgBytes)),
		zap.String("resp_max", config.FormatBytes(st.MaxBytes)),
	}
	for source, n := range st.BySource {
		fields = append(fields, zap.Uint64("source_"+source, n))
	}
	s.log.Info("cache stats", fields...)
}
