package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"jobmatch-go/internal/config"
	"jobmatch-go/internal/storage/models"
	"jobmatch-go/internal/types"
)

var mysqlTracer = otel.Tracer("jobmatch-go/storage/mysql")

// ErrNotFound 请求的记录不存在
var ErrNotFound = errors.New("storage: record not found")

// IsNotFound 判断错误是否为记录不存在
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, gorm.ErrRecordNotFound)
}

type gormSpanKey struct{}

// gormTracingPlugin GORM插件，为数据库操作创建OpenTelemetry追踪点
type gormTracingPlugin struct {
	tracer trace.Tracer
	dbName string
}

func newGormTracingPlugin(dbName string) *gormTracingPlugin {
	return &gormTracingPlugin{
		tracer: mysqlTracer,
		dbName: dbName,
	}
}

// Name 返回插件名称
func (p *gormTracingPlugin) Name() string {
	return "GormOpenTelemetryPlugin"
}

// Initialize 注册GORM回调以启用追踪
func (p *gormTracingPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()

	registrations := []struct {
		op     string
		before func(string, func(*gorm.DB)) error
		after  func(string, func(*gorm.DB)) error
	}{
		{"CREATE", cb.Create().Before("gorm:create").Register, cb.Create().After("gorm:create").Register},
		{"SELECT", cb.Query().Before("gorm:query").Register, cb.Query().After("gorm:query").Register},
		{"UPDATE", cb.Update().Before("gorm:update").Register, cb.Update().After("gorm:update").Register},
		{"DELETE", cb.Delete().Before("gorm:delete").Register, cb.Delete().After("gorm:delete").Register},
	}

	for _, r := range registrations {
		name := "otel:" + r.op
		if err := r.before(name+"_before", p.before(r.op)); err != nil {
			return err
		}
		if err := r.after(name+"_after", p.after()); err != nil {
			return err
		}
	}
	return nil
}

// before 返回在GORM操作之前执行的回调函数
func (p *gormTracingPlugin) before(operation string) func(db *gorm.DB) {
	return func(db *gorm.DB) {
		ctx := db.Statement.Context
		if ctx == nil {
			ctx = context.Background()
		}

		tableName := db.Statement.Table
		if tableName == "" {
			tableName = "unknown"
		}

		newCtx, span := p.tracer.Start(ctx, fmt.Sprintf("%s %s", operation, tableName),
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				semconv.DBSystemMySQL,
				attribute.String("db.name", p.dbName),
				attribute.String("db.operation", operation),
				attribute.String("db.sql.table", tableName),
			),
		)
		// span单独存放，避免after误关闭调用方的span
		db.Statement.Context = context.WithValue(newCtx, gormSpanKey{}, span)
	}
}

// after 返回在GORM操作之后执行的回调函数
func (p *gormTracingPlugin) after() func(db *gorm.DB) {
	return func(db *gorm.DB) {
		span, ok := db.Statement.Context.Value(gormSpanKey{}).(trace.Span)
		if !ok {
			return
		}
		defer span.End()

		span.SetAttributes(attribute.Int64("db.rows_affected", db.Statement.RowsAffected))

		if db.Error != nil {
			if errors.Is(db.Error, gorm.ErrRecordNotFound) {
				// 记录不存在属于业务正常分支，不算错误
				span.SetAttributes(attribute.String("error.type", "record_not_found"))
				span.SetStatus(codes.Ok, "record not found")
			} else {
				span.RecordError(db.Error)
				span.SetStatus(codes.Error, db.Error.Error())
			}
			return
		}
		span.SetStatus(codes.Ok, "")
	}
}

// MySQL 提供简历与本地岗位的关系型存储
type MySQL struct {
	db  *gorm.DB
	cfg *config.MySQLConfig
}

// NewMySQL 创建MySQL客户端并自动迁移表结构
func NewMySQL(cfg *config.MySQLConfig) (*MySQL, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MySQL配置不能为空")
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local&timeout=%ds&readTimeout=%ds&writeTimeout=%ds",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database,
		cfg.ConnectTimeoutSeconds, cfg.ReadTimeoutSeconds, cfg.WriteTimeoutSeconds)

	var logLevel logger.LogLevel
	switch cfg.LogLevel {
	case 1:
		logLevel = logger.Silent
	case 2:
		logLevel = logger.Error
	case 3:
		logLevel = logger.Warn
	case 4:
		logLevel = logger.Info
	default:
		logLevel = logger.Warn
	}

	gormConfig := &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   logger.Default.LogMode(logLevel),
		PrepareStmt:                              true,
		NowFunc: func() time.Time {
			return time.Now().Local()
		},
	}

	db, err := gorm.Open(mysql.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("连接MySQL失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)
	sqlDB.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTimeMinutes) * time.Minute)

	if err := db.Use(newGormTracingPlugin(cfg.Database)); err != nil {
		return nil, fmt.Errorf("注册追踪插件失败: %w", err)
	}

	m := &MySQL{db: db, cfg: cfg}
	if err := m.autoMigrateSchema(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("自动迁移数据库结构失败: %w", err)
	}

	log.Println("成功连接到MySQL并自动迁移数据库结构")
	return m, nil
}

// autoMigrateSchema 使用GORM自动迁移数据库表结构
func (m *MySQL) autoMigrateSchema() error {
	silentDB := m.db.Session(&gorm.Session{Logger: logger.Default.LogMode(logger.Silent)})
	if err := silentDB.AutoMigrate(
		&models.Resume{},
		&models.Job{},
	); err != nil {
		return fmt.Errorf("GORM自动迁移失败: %w", err)
	}
	return nil
}

// DB 返回GORM数据库连接实例
func (m *MySQL) DB() *gorm.DB {
	return m.db
}

// Close 关闭数据库连接
func (m *MySQL) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}
	return sqlDB.Close()
}

// SaveResume 保存一份简历快照，ResumeID为空时自动生成
func (m *MySQL) SaveResume(ctx context.Context, resume *models.Resume) error {
	if resume.ResumeID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("生成简历ID失败: %w", err)
		}
		resume.ResumeID = id.String()
	}
	if resume.UploadedAt.IsZero() {
		resume.UploadedAt = time.Now()
	}
	return m.db.WithContext(ctx).Create(resume).Error
}

// GetLatestResume 取用户最新上传的一份简历
func (m *MySQL) GetLatestResume(ctx context.Context, userID string) (*types.Resume, error) {
	ctx, span := mysqlTracer.Start(ctx, "MySQL.GetLatestResume",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		semconv.DBSystemMySQL,
		attribute.String("db.sql.table", "resumes"),
	)

	var record models.Resume
	err := m.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("uploaded_at DESC").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			span.SetStatus(codes.Ok, "record not found")
			return nil, fmt.Errorf("用户 %s 没有简历: %w", userID, ErrNotFound)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	return &types.Resume{
		ResumeID:   record.ResumeID,
		UserID:     record.UserID,
		Text:       record.RawText,
		UploadedAt: record.UploadedAt,
	}, nil
}

// ListActiveJobs 列出所有参与匹配的本地岗位
func (m *MySQL) ListActiveJobs(ctx context.Context) ([]types.JobPosting, error) {
	ctx, span := mysqlTracer.Start(ctx, "MySQL.ListActiveJobs",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		semconv.DBSystemMySQL,
		attribute.String("db.sql.table", "jobs"),
	)

	var records []models.Job
	if err := m.db.WithContext(ctx).
		Where("status = ?", models.JobStatusActive).
		Order("created_at ASC").
		Find(&records).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("查询本地岗位失败: %w", err)
	}

	postings := make([]types.JobPosting, 0, len(records))
	for _, record := range records {
		postings = append(postings, types.JobPosting{
			JobID:            record.JobID,
			Source:           types.SourceLocal,
			Title:            record.Title,
			Description:      record.Description,
			Skills:           models.DecodeStringList(record.SkillsJSON),
			Responsibilities: models.DecodeStringList(record.ResponsibilitiesJSON),
			Qualifications:   models.DecodeStringList(record.QualificationsJSON),
			Company:          record.Company,
			Location:         record.Location,
			JobType:          record.JobType,
			ApplyLink:        record.ApplyLink,
		})
	}

	span.SetAttributes(attribute.Int("db.rows_affected", len(postings)))
	span.SetStatus(codes.Ok, "")
	return postings, nil
}

// SaveJob 保存一个本地岗位，JobID为空时自动生成
func (m *MySQL) SaveJob(ctx context.Context, job *models.Job) error {
	if job.JobID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("生成岗位ID失败: %w", err)
		}
		job.JobID = id.String()
	}
	if job.Status == "" {
		job.Status = models.JobStatusActive
	}
	return m.db.WithContext(ctx).Save(job).Error
}
