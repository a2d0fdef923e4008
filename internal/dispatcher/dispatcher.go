package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Mieluoxxx/cvp-standby/internal/logger"
	"github.com/Mieluoxxx/cvp-standby/internal/metrics"
	"github.com/Mieluoxxx/cvp-standby/internal/models"
	"github.com/Mieluoxxx/cvp-standby/internal/notify"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ==================== 类型定义 ====================

var (
	// ErrCancelled 操作在提交前已被取消
	ErrCancelled = errors.New("operation cancelled")
	// ErrAlreadyCommitted 操作已开始写入，无法取消
	ErrAlreadyCommitted = errors.New("operation already committed")
)

// 单台设备的迁移结果
const (
	OutcomeApplied   = "applied"
	OutcomeUnchanged = "unchanged"
	OutcomeFailed    = "failed"
)

// Devices 设备注册表中调度器需要的能力
type Devices interface {
	Get(id string) (*models.Device, error)
	SetAuthority(deviceID, clusterID string) (bool, error)
}

// Failure 单台设备迁移失败记录
type Failure struct {
	DeviceID string `json:"device_id"`
	Reason   string `json:"reason"`
}

// Result 一次迁移的汇总结果
type Result struct {
	OperationID string    `json:"operation_id"`
	Target      string    `json:"target"`
	Applied     []string  `json:"applied"`
	Unchanged   []string  `json:"unchanged"`
	Failures    []Failure `json:"failures"`
}

// Changed 是否有设备实际发生了迁移
func (r *Result) Changed() bool {
	return len(r.Applied) > 0
}

// Succeeded 成功（含无需变更）的设备
func (r *Result) Succeeded() []string {
	out := make([]string, 0, len(r.Applied)+len(r.Unchanged))
	out = append(out, r.Applied...)
	out = append(out, r.Unchanged...)
	sort.Strings(out)
	return out
}

// Operation 可在提交前取消的迁移操作
type Operation struct {
	ID string

	mu        sync.Mutex
	cancelled bool
	committed bool
}

// NewOperation 创建迁移操作
func NewOperation() *Operation {
	return &Operation{ID: uuid.NewString()}
}

// Cancel 取消尚未提交的操作
func (o *Operation) Cancel() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.committed {
		return ErrAlreadyCommitted
	}
	o.cancelled = true
	return nil
}

// Committed 操作是否已提交
func (o *Operation) Committed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.committed
}

// commit 在第一次写入前调用，之后取消将被拒绝
func (o *Operation) commit() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cancelled {
		return ErrCancelled
	}
	o.committed = true
	return nil
}

// Dispatcher 批量迁移设备配置权
type Dispatcher struct {
	devices     Devices
	publisher   notify.Publisher
	concurrency int
	log         *zap.Logger
}

// New 创建调度器
func New(devices Devices, publisher notify.Publisher, concurrency int, log *zap.Logger) *Dispatcher {
	if publisher == nil {
		publisher = notify.NoopPublisher{}
	}
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Dispatcher{
		devices:     devices,
		publisher:   publisher,
		concurrency: concurrency,
		log:         logger.OrNop(log).Named("dispatcher"),
	}
}

// ==================== 公共方法 ====================

// ApplyFailover 将设备配置权迁移到 target
func (d *Dispatcher) ApplyFailover(ctx context.Context, deviceIDs []string, target string) (*Result, error) {
	return d.ApplyOperation(ctx, NewOperation(), deviceIDs, target)
}

// ApplyOperation 在指定操作下迁移配置权
// 已迁移的设备记为 Unchanged；单台失败不影响其他设备
func (d *Dispatcher) ApplyOperation(ctx context.Context, op *Operation, deviceIDs []string, target string) (*Result, error) {
	result := &Result{
		OperationID: op.ID,
		Target:      target,
		Applied:     []string{},
		Unchanged:   []string{},
		Failures:    []Failure{},
	}
	if err := op.commit(); err != nil {
		return nil, err
	}
	if len(deviceIDs) == 0 {
		return result, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)

	for _, id := range deviceIDs {
		id := id
		g.Go(func() error {
			outcome, err := d.applyOne(gctx, op, id, target)

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case OutcomeApplied:
				result.Applied = append(result.Applied, id)
			case OutcomeUnchanged:
				result.Unchanged = append(result.Unchanged, id)
			default:
				result.Failures = append(result.Failures, Failure{DeviceID: id, Reason: err.Error()})
			}
			metrics.ObserveDispatch(outcome)
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(result.Applied)
	sort.Strings(result.Unchanged)
	sort.Slice(result.Failures, func(i, j int) bool { return result.Failures[i].DeviceID < result.Failures[j].DeviceID })

	if len(result.Failures) > 0 {
		d.log.Warn("部分设备迁移失败",
			zap.String("operation", op.ID),
			zap.String("target", target),
			zap.Int("applied", len(result.Applied)),
			zap.Int("failed", len(result.Failures)))
	} else {
		d.log.Info("设备迁移完成",
			zap.String("operation", op.ID),
			zap.String("target", target),
			zap.Int("applied", len(result.Applied)),
			zap.Int("unchanged", len(result.Unchanged)))
	}
	return result, nil
}

// ==================== 私有方法 ====================

func (d *Dispatcher) applyOne(ctx context.Context, op *Operation, deviceID, target string) (string, error) {
	if err := ctx.Err(); err != nil {
		return OutcomeFailed, err
	}

	device, err := d.devices.Get(deviceID)
	if err != nil {
		return OutcomeFailed, err
	}
	previous := device.Authority

	changed, err := d.devices.SetAuthority(deviceID, target)
	if err != nil {
		return OutcomeFailed, err
	}
	if !changed {
		return OutcomeUnchanged, nil
	}

	change := notify.AuthorityChange{
		DeviceID:    deviceID,
		From:        previous,
		To:          target,
		OperationID: op.ID,
		Timestamp:   time.Now(),
	}
	if err := d.publisher.PublishAuthority(ctx, change); err != nil {
		d.log.Warn("发布配置权变更失败", zap.String("device", deviceID), zap.Error(err))
	}
	return OutcomeApplied, nil
}

// String 便于日志输出
func (r *Result) String() string {
	return fmt.Sprintf("applied=%d unchanged=%d failed=%d", len(r.Applied), len(r.Unchanged), len(r.Failures))
}
