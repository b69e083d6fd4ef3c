package domain

import (
	"time"
)

// Operator actions recorded in the audit log
const (
	OptChipAction   = "chip_action"
	OptBulkAction   = "bulk_action"
	OptConfigUpdate = "config_update"
	OptAlertResolve = "alert_resolve"
	OptProvision    = "chip_provision"
	OptJobUpdate    = "job_update"
	OptJobRun       = "job_run"
)

// OpLog operator audit trail
type OpLog struct {
	ID        int64     `json:"id,string" gorm:"primaryKey;autoIncrement:false"`
	OprName   string    `json:"opr_name"`
	OprIp     string    `json:"opr_ip"`
	OptAction string    `json:"opt_action" gorm:"index"`
	OptTarget string    `json:"opt_target"`
	OptDesc   string    `json:"opt_desc"`
	OptTime   time.Time `json:"opt_time" gorm:"index"`
}

// TableName Specify table name
func (OpLog) TableName() string {
	return "op_log"
}
