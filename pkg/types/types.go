// Package types 定義了 pipegen 系統中使用的核心領域模型
package types

// Arm 光譜臂識別碼
type Arm string

// 定義光譜臂常數
const (
	ArmB Arm = "b" // 藍臂
	ArmR Arm = "r" // 紅臂
	ArmN Arm = "n" // 近紅外臂
	ArmM Arm = "m" // 中解析度紅臂（與紅臂共用同一個紅色偵測器）
)

// AllArms 所有光譜臂，依慣例順序排列
var AllArms = []Arm{ArmB, ArmR, ArmN, ArmM}

// IsValid 回報 a 是否為已知的光譜臂
func (a Arm) IsValid() bool {
	for _, arm := range AllArms {
		if a == arm {
			return true
		}
	}
	return false
}

// FileID 唯一識別一個原始曝光檔案
// 整個系統以 (visit, arm, spectrograph) 三元組作為檔案身分
type FileID struct {
	Visit        int // 觀測編號（一次曝光）
	Arm          Arm // 光譜臂
	Spectrograph int // 光譜儀模組編號
}

// BeamConfig 唯一識別一組光束配置（上端光纖配置的時期）
type BeamConfig struct {
	Date     float64 // 配置日期（beam_config_date）
	DesignID int64   // 光纖設計編號
}

// Less 依 (Date, DesignID) 定義全序，用於決定處理順序
func (b BeamConfig) Less(other BeamConfig) bool {
	if b.Date != other.Date {
		return b.Date < other.Date
	}
	return b.DesignID < other.DesignID
}
