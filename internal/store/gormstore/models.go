package gormstore

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// User mirrors the users table.
type User struct {
	UserID             string    `gorm:"primaryKey"`
	PhoneNumber        *string   `gorm:"uniqueIndex:uniq_users_phone"`
	FullName           string    `gorm:"not null"`
	Role               string    `gorm:"not null"`
	Active             bool      `gorm:"not null"`
	VerifiedFreelancer bool      `gorm:"not null"`
	CreatedAt          time.Time `gorm:"not null"`
}

func (User) TableName() string { return "users" }

// Service mirrors the services table.
type Service struct {
	ServiceID    int64     `gorm:"primaryKey;autoIncrement"`
	FreelancerID string    `gorm:"not null;index:idx_services_freelancer"`
	Name         string    `gorm:"not null"`
	PriceCents   int64     `gorm:"not null;default:0"`
	Active       bool      `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (Service) TableName() string { return "services" }

// Booking mirrors the bookings table.
type Booking struct {
	BookingID       int64     `gorm:"primaryKey;autoIncrement"`
	ClientID        string    `gorm:"not null;index:idx_bookings_client"`
	FreelancerID    string    `gorm:"not null;index:idx_bookings_freelancer"`
	ServiceID       *int64    `gorm:""`
	CustomDetails   string    `gorm:"not null;default:''"`
	BookingTime     time.Time `gorm:"not null"`
	Status          string    `gorm:"not null;index:idx_bookings_status"`
	Location        string    `gorm:"not null"`
	ClientNotes     string    `gorm:"not null;default:''"`
	FreelancerNotes string    `gorm:"not null;default:''"`
	CreatedAt       time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt       time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (Booking) TableName() string { return "bookings" }

// Payment mirrors the payments table. At most one row exists per booking and
// a receipt number settles at most one payment.
type Payment struct {
	PaymentID           int64          `gorm:"primaryKey;autoIncrement"`
	BookingID           int64          `gorm:"not null;uniqueIndex:uniq_payments_booking"`
	AmountCents         int64          `gorm:"not null"`
	Currency            string         `gorm:"not null"`
	Status              string         `gorm:"not null;index:idx_payments_status_reserved,priority:1"`
	MerchantRequestID   *string        `gorm:"index:idx_payments_correlation,priority:1"`
	CheckoutRequestID   *string        `gorm:"index:idx_payments_correlation,priority:2"`
	TransactionID       *string        `gorm:"uniqueIndex:uniq_payments_transaction"`
	InitiationPayload   datatypes.JSON `gorm:"type:jsonb"`
	ConfirmationPayload datatypes.JSON `gorm:"type:jsonb"`
	AttemptID           string         `gorm:"not null;default:''"`
	Attempts            int            `gorm:"not null;default:0"`
	ReservedAt          time.Time      `gorm:"not null;index:idx_payments_status_reserved,priority:2"`
	CreatedAt           time.Time      `gorm:"not null;autoCreateTime:false"`
	UpdatedAt           time.Time      `gorm:"not null;autoUpdateTime:false"`
}

func (Payment) TableName() string { return "payments" }

// Migrate creates or updates the marketplace tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&User{}, &Service{}, &Booking{}, &Payment{})
}
