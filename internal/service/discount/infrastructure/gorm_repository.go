package infrastructure

import (
	"context"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"nexus-pos/internal/pkg/config"
	"nexus-pos/internal/service/discount/domain"
)

// DSN 根据配置生成 MySQL 连接串。
func DSN(cfg config.MySQLConfig) string {
	c := mysqldriver.NewConfig()
	c.User = cfg.User
	c.Passwd = cfg.Password
	c.Net = "tcp"
	c.Addr = cfg.Addr
	c.DBName = cfg.Database
	c.ParseTime = true
	c.Loc = time.Local
	c.Collation = "utf8mb4_unicode_ci"
	return c.FormatDSN()
}

// OpenMySQL 打开数据库连接并确认可用。
func OpenMySQL(ctx context.Context, cfg config.MySQLConfig) (*gorm.DB, error) {
	db, err := gorm.Open(gormmysql.Open(DSN(cfg)), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open mysql %s/%s", cfg.Addr, cfg.Database)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "get sql.DB")
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, errors.Wrapf(err, "ping mysql %s", cfg.Addr)
	}
	return db, nil
}

// GormPolicyRepository 是 domain.Repository 的 GORM 实现
type GormPolicyRepository struct {
	db *gorm.DB
}

// NewGormPolicyRepository 创建一个新的 GORM 仓储实例
func NewGormPolicyRepository(db *gorm.DB) *GormPolicyRepository {
	return &GormPolicyRepository{db: db}
}

// Migrate 创建或更新表结构
func (r *GormPolicyRepository) Migrate(ctx context.Context) error {
	return errors.Wrap(r.db.WithContext(ctx).AutoMigrate(&PolicyModel{}), "migrate discount_policies")
}

func (r *GormPolicyRepository) List(ctx context.Context) ([]domain.Policy, error) {
	var models []PolicyModel
	if err := r.db.WithContext(ctx).Order("id").Find(&models).Error; err != nil {
		return nil, err
	}
	policies := make([]domain.Policy, len(models))
	for i := range models {
		policies[i] = *toDomainPolicy(&models[i])
	}
	return policies, nil
}

func (r *GormPolicyRepository) Create(ctx context.Context, p *domain.Policy) error {
	m := fromDomainPolicy(p)
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return err
	}
	*p = *toDomainPolicy(m)
	return nil
}

func (r *GormPolicyRepository) FindActive(ctx context.Context) (*domain.Policy, error) {
	var m PolicyModel
	err := r.db.WithContext(ctx).Where("active = ?", true).Order("updated_at DESC").First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNoActivePolicy
	}
	if err != nil {
		return nil, err
	}
	return toDomainPolicy(&m), nil
}

// Activate 在一个事务中停用其他策略并激活 id。
func (r *GormPolicyRepository) Activate(ctx context.Context, id int64) (*domain.Policy, error) {
	var m PolicyModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockPolicy(tx, id, &m); err != nil {
			return err
		}
		if err := tx.Model(&PolicyModel{}).Where("active = ? AND id <> ?", true, id).Update("active", false).Error; err != nil {
			return errors.Wrap(err, "deactivate other policies")
		}
		if err := tx.Model(&m).Update("active", true).Error; err != nil {
			return errors.Wrap(err, "activate policy")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.Active = true
	return toDomainPolicy(&m), nil
}

func (r *GormPolicyRepository) Deactivate(ctx context.Context, id int64) (*domain.Policy, error) {
	var m PolicyModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockPolicy(tx, id, &m); err != nil {
			return err
		}
		return tx.Model(&m).Update("active", false).Error
	})
	if err != nil {
		return nil, err
	}
	m.Active = false
	return toDomainPolicy(&m), nil
}

// lockPolicy 以 SELECT ... FOR UPDATE 读取一条策略
func lockPolicy(tx *gorm.DB, id int64, m *PolicyModel) error {
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(m, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrPolicyNotFound
	}
	return err
}
