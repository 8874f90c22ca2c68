// ============================================================================
// Pipegen Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集規格生成與命令編譯的運行指標
//
// 指標分類:
//
//   1. 計數器 (Counter) - 累計值，只增不減：
//      - pipegen_spec_blocks_generated_total: 生成的校準區塊總數
//      - pipegen_blocks_processed_total{kind}: 已編譯區塊總數（calib/science）
//      - pipegen_commands_emitted_total: 寫入腳本的命令總數
//      - pipegen_warnings_total: 編譯過程中的警告總數
//
//   2. 狀態指標 (Gauge) - 瞬時值：
//      - pipegen_spec_duration_seconds: 最近一次規格生成耗時
//      - pipegen_compile_duration_seconds: 最近一次編譯耗時
//
// 導出方式:
//   pipegen 是命令行工具，沒有常駐 HTTP 端點。
//   指標在進程結束前以 textfile collector 格式寫入文件，
//   由 node_exporter 的 --collector.textfile.directory 抓取。
//
// 使用場景:
//   - commands_emitted_total 為 0 → 規格選擇了空區塊集
//   - warnings_total 增長 → force 模式掩蓋了目錄或區塊問題
//   - compile_duration_seconds 增長 → 規格規模變化趨勢
//
// ============================================================================
// Metrics 監控模組
// 職責：收集並導出 Prometheus 指標
// ============================================================================

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector Prometheus 指標收集器
//
// 每次運行使用獨立的 registry，互不干擾。
// nil Collector 上的所有方法都是空操作，調用端不需要判空。
type Collector struct {
	registry *prometheus.Registry

	// 計數器
	specBlocksGenerated prometheus.Counter
	blocksProcessed     *prometheus.CounterVec
	commandsEmitted     prometheus.Counter
	warnings            prometheus.Counter

	// 狀態指標
	specDuration    prometheus.Gauge
	compileDuration prometheus.Gauge
}

// NewCollector 創建新的指標收集器
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		specBlocksGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipegen_spec_blocks_generated_total",
			Help: "Total number of calib blocks written to the generated spec",
		}),
		blocksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipegen_blocks_processed_total",
			Help: "Total number of spec blocks compiled into commands",
		}, []string{"kind"}),
		commandsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipegen_commands_emitted_total",
			Help: "Total number of commands written to the output script",
		}),
		warnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipegen_warnings_total",
			Help: "Total number of warnings issued during compilation",
		}),
		specDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipegen_spec_duration_seconds",
			Help: "Time taken by the last spec generation in seconds",
		}),
		compileDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipegen_compile_duration_seconds",
			Help: "Time taken by the last compilation in seconds",
		}),
	}

	// 註冊所有指標
	c.registry.MustRegister(c.specBlocksGenerated)
	c.registry.MustRegister(c.blocksProcessed)
	c.registry.MustRegister(c.commandsEmitted)
	c.registry.MustRegister(c.warnings)
	c.registry.MustRegister(c.specDuration)
	c.registry.MustRegister(c.compileDuration)

	return c
}

// BlocksGenerated 記錄生成的校準區塊數量
func (c *Collector) BlocksGenerated(n int) {
	if c == nil {
		return
	}
	c.specBlocksGenerated.Add(float64(n))
}

// BlockProcessed 記錄一個區塊被編譯（kind 為 calib 或 science）
func (c *Collector) BlockProcessed(kind string) {
	if c == nil {
		return
	}
	c.blocksProcessed.WithLabelValues(kind).Inc()
}

// CommandsEmitted 記錄寫入腳本的命令數量
func (c *Collector) CommandsEmitted(n int) {
	if c == nil {
		return
	}
	c.commandsEmitted.Add(float64(n))
}

// WarningIssued 記錄一次警告
func (c *Collector) WarningIssued() {
	if c == nil {
		return
	}
	c.warnings.Inc()
}

// ObserveSpecDuration 設置規格生成耗時
func (c *Collector) ObserveSpecDuration(d time.Duration) {
	if c == nil {
		return
	}
	c.specDuration.Set(d.Seconds())
}

// ObserveCompileDuration 設置編譯耗時
func (c *Collector) ObserveCompileDuration(d time.Duration) {
	if c == nil {
		return
	}
	c.compileDuration.Set(d.Seconds())
}

// WriteToTextfile 將指標以 textfile collector 格式寫入文件
//
// 參數：
//   - path: 輸出文件路徑
//
// 返回值：
//   - error: 寫入失敗的錯誤
func (c *Collector) WriteToTextfile(path string) error {
	if c == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, c.registry)
}
