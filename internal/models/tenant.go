package models

type Tenant struct {
	BaseModel
	Name            string `gorm:"uniqueIndex;not null" json:"name"`
	IsActive        bool   `gorm:"default:true" json:"is_active"`
	RateLimitPerMin *int   `json:"rate_limit_per_min,omitempty"`

	Keys    []APIKey `gorm:"foreignKey:TenantID" json:"-"`
	Budgets []Budget `gorm:"foreignKey:TenantID" json:"-"`
	Tags    []Tag    `gorm:"foreignKey:TenantID" json:"-"`
}
