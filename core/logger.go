package core

import (
	"llm-keypool/models"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DefaultAttemptRetention 审计表最多保留的记录数
const DefaultAttemptRetention = 1000

// AsyncAttemptLogger 异步调用审计记录器
// 写库失败只打日志，不影响故障转移主流程
type AsyncAttemptLogger struct {
	db        *gorm.DB
	logChan   chan *models.AttemptLog
	logger    *logrus.Logger
	batchSize int
	flushTime time.Duration
	retention int
	wg        sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once
}

type AttemptLoggerOption func(*AsyncAttemptLogger)

// WithAttemptRetention n <= 0 表示不清理
func WithAttemptRetention(n int) AttemptLoggerOption {
	return func(l *AsyncAttemptLogger) { l.retention = n }
}

func WithFlushInterval(d time.Duration) AttemptLoggerOption {
	return func(l *AsyncAttemptLogger) {
		if d > 0 {
			l.flushTime = d
		}
	}
}

func WithBatchSize(n int) AttemptLoggerOption {
	return func(l *AsyncAttemptLogger) {
		if n > 0 {
			l.batchSize = n
		}
	}
}

// NewAsyncAttemptLogger 创建并启动后台写入 Worker
func NewAsyncAttemptLogger(db *gorm.DB, logger *logrus.Logger, opts ...AttemptLoggerOption) *AsyncAttemptLogger {
	l := &AsyncAttemptLogger{
		db:        db,
		logChan:   make(chan *models.AttemptLog, 1000), // 缓冲 1000 条
		logger:    logger,
		batchSize: 100,
		flushTime: 5 * time.Second,
		retention: DefaultAttemptRetention,
		quit:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.workerLoop()
	}()
	return l
}

// Record 提交到队列，队列满或已关闭时丢弃
func (l *AsyncAttemptLogger) Record(entry *models.AttemptLog) {
	select {
	case <-l.quit:
		return
	default:
	}
	select {
	case l.logChan <- entry:
	default:
		l.logger.Warn("Attempt log channel full, dropping entry")
	}
}

func (l *AsyncAttemptLogger) workerLoop() {
	var batch []*models.AttemptLog
	ticker := time.NewTicker(l.flushTime)
	defer ticker.Stop()

	for {
		select {
		case entry := <-l.logChan:
			batch = append(batch, entry)
			if len(batch) >= l.batchSize {
				l.flush(batch)
				batch = nil
			}
		case <-ticker.C:
			if len(batch) > 0 {
				l.flush(batch)
				batch = nil
			}
		case <-l.quit:
			// 退出前排空队列
			for {
				select {
				case entry := <-l.logChan:
					batch = append(batch, entry)
				default:
					l.flush(batch)
					return
				}
			}
		}
	}
}

type keyStatDelta struct {
	KeyMask      string
	Success      int64
	Error        int64
	RateLimited  int64
	TotalLatency float64
	LastUsedAt   time.Time
}

// flush 批量写入审计记录并累加 KeyStats
func (l *AsyncAttemptLogger) flush(logs []*models.AttemptLog) {
	if len(logs) == 0 {
		return
	}
	l.logger.Debugf("[AttemptLog] Flushing %d entries", len(logs))

	if err := l.db.CreateInBatches(logs, len(logs)).Error; err != nil {
		l.logger.Errorf("[AttemptLog] Failed to flush entries: %v", err)
	}

	l.prune()

	type statKey struct{ provider, hash string }
	deltas := make(map[statKey]*keyStatDelta)
	for _, entry := range logs {
		hash := entry.KeyHash
		if hash == "" {
			hash = entry.KeyMask
		}
		k := statKey{entry.Provider, hash}
		d, ok := deltas[k]
		if !ok {
			d = &keyStatDelta{KeyMask: entry.KeyMask}
			deltas[k] = d
		}
		if entry.Success {
			d.Success++
		} else {
			d.Error++
			if entry.FailureKind == string(FailureRateLimit) {
				d.RateLimited++
			}
		}
		d.TotalLatency += float64(entry.Duration)
		if entry.CreatedAt.After(d.LastUsedAt) {
			d.LastUsedAt = entry.CreatedAt
		}
	}

	for k, d := range deltas {
		if err := l.upsertStats(k.provider, k.hash, d); err != nil {
			l.logger.Errorf("[AttemptLog] Failed to update stats for %s/%s: %v", k.provider, d.KeyMask, err)
		}
	}
}

func (l *AsyncAttemptLogger) upsertStats(provider, hash string, d *keyStatDelta) error {
	return l.db.Transaction(func(tx *gorm.DB) error {
		var stat models.KeyStats
		err := tx.Where("provider = ? AND key_hash = ?", provider, hash).First(&stat).Error
		if err == nil {
			stat.Success += d.Success
			stat.Error += d.Error
			stat.RateLimited += d.RateLimited
			stat.TotalLatency += d.TotalLatency
			if d.LastUsedAt.After(stat.LastUsedAt) {
				stat.LastUsedAt = d.LastUsedAt
			}
			return tx.Save(&stat).Error
		}
		if err != gorm.ErrRecordNotFound {
			return err
		}
		return tx.Create(&models.KeyStats{
			Provider:     provider,
			KeyHash:      hash,
			KeyMask:      d.KeyMask,
			Success:      d.Success,
			Error:        d.Error,
			RateLimited:  d.RateLimited,
			TotalLatency: d.TotalLatency,
			LastUsedAt:   d.LastUsedAt,
		}).Error
	})
}

// prune 只保留最新的 retention 条
func (l *AsyncAttemptLogger) prune() {
	if l.retention <= 0 {
		return
	}
	var count int64
	if err := l.db.Model(&models.AttemptLog{}).Count(&count).Error; err != nil || count <= int64(l.retention) {
		return
	}
	var pivotID uint
	l.db.Model(&models.AttemptLog{}).Select("id").Order("id desc").Offset(l.retention).Limit(1).Scan(&pivotID)
	if pivotID > 0 {
		if err := l.db.Where("id <= ?", pivotID).Delete(&models.AttemptLog{}).Error; err != nil {
			l.logger.Errorf("[AttemptLog] Failed to prune: %v", err)
		}
	}
}

// RecentAttempts 按时间倒序返回审计记录，invocationID 非空时只返回该次调用
func (l *AsyncAttemptLogger) RecentAttempts(limit int, invocationID string) ([]models.AttemptLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []models.AttemptLog
	q := l.db.Order("id desc").Limit(limit)
	if invocationID != "" {
		q = q.Where("invocation_id = ?", invocationID)
	}
	err := q.Find(&out).Error
	return out, err
}

// KeyStats 返回聚合统计
func (l *AsyncAttemptLogger) KeyStats() ([]models.KeyStats, error) {
	var out []models.KeyStats
	err := l.db.Order("provider asc, key_mask asc, key_hash asc").Find(&out).Error
	return out, err
}

// Close 刷新剩余记录并停止 Worker，可重复调用
func (l *AsyncAttemptLogger) Close() {
	l.closeOnce.Do(func() {
		close(l.quit)
		l.wg.Wait()
	})
}
