package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Resume 用户上传的简历快照表。
// 同一用户可以保留多份，匹配时取UploadedAt最大的一份。
type Resume struct {
	ResumeID   string    `gorm:"type:char(36);primaryKey"`
	UserID     string    `gorm:"type:char(36);not null;index:idx_resumes_user_uploaded,priority:1"`
	RawText    string    `gorm:"type:mediumtext;not null"`
	Filename   string    `gorm:"type:varchar(255)"`
	UploadedAt time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);index:idx_resumes_user_uploaded,priority:2"`
	CreatedAt  time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt  time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (Resume) TableName() string {
	return "resumes"
}

// Job 本地（管理员维护）岗位表
type Job struct {
	JobID                string         `gorm:"type:char(36);primaryKey"`
	Title                string         `gorm:"type:varchar(255);not null"`
	Company              string         `gorm:"type:varchar(255)"`
	Location             string         `gorm:"type:varchar(255)"`
	JobType              string         `gorm:"type:varchar(50)"`
	Description          string         `gorm:"type:text;not null"`
	SkillsJSON           datatypes.JSON `gorm:"type:json"`
	ResponsibilitiesJSON datatypes.JSON `gorm:"type:json"`
	QualificationsJSON   datatypes.JSON `gorm:"type:json"`
	ApplyLink            string         `gorm:"type:varchar(1024)"`
	Status               string         `gorm:"type:varchar(50);default:'ACTIVE';index:idx_jobs_status"`
	CreatedAt            time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt            time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (Job) TableName() string {
	return "jobs"
}

// JobStatusActive 参与匹配的岗位状态
const JobStatusActive = "ACTIVE"

// DecodeStringList 解码JSON列中的字符串数组，列为空或解码失败时返回nil
func DecodeStringList(data datatypes.JSON) []string {
	if len(data) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// EncodeStringList 编码字符串数组到JSON列
func EncodeStringList(values []string) datatypes.JSON {
	if len(values) == 0 {
		return nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil
	}
	return datatypes.JSON(data)
}
