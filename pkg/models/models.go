package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Activity action types requested by library users.
const (
	ActionBorrowed = "Borrowed"
	ActionReserve  = "Reserve"
	ActionRead     = "Read"
	ActionReturned = "Returned"
)

// Activity lifecycle statuses. Declined, Returned and Completed are terminal.
const (
	StatusPending   = "Pending"
	StatusApproved  = "Approved"
	StatusDeclined  = "Declined"
	StatusOverdue   = "Overdue"
	StatusReturned  = "Returned"
	StatusCompleted = "Completed"
)

type Book struct {
	ID        uint   `gorm:"primaryKey"`
	BookUid   string `gorm:"type:uuid;uniqueIndex;not null"`
	Title     string `gorm:"not null"`
	Author    string
	Year      string `gorm:"size:10"`
	Stocks    int    `gorm:"not null;default:0;check:stocks >= 0"`
	ImageURL  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type DigitalCopy struct {
	ID        uint   `gorm:"primaryKey"`
	CopyUid   string `gorm:"type:uuid;uniqueIndex;not null"`
	Title     string `gorm:"not null"`
	Author    string
	Year      string `gorm:"size:10"`
	ImageURL  string
	PdfURL    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type ResearchPaper struct {
	ID          uint   `gorm:"primaryKey"`
	ResearchUid string `gorm:"type:uuid;uniqueIndex;not null"`
	Title       string `gorm:"not null"`
	Authors     string
	Keywords    string
	Year        string `gorm:"size:10"`
	Abstract    string `gorm:"type:text"`
	PdfURL      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// BookActivity is a row in the active ledger. Title is snapshotted when the
// request is created so history reporting survives catalog edits.
type BookActivity struct {
	ID          uint   `gorm:"primaryKey"`
	ActivityUid string `gorm:"type:uuid;uniqueIndex;not null"`
	BookUid     string `gorm:"type:uuid;not null;index"`
	Title       string `gorm:"not null"`
	UserEmail   string `gorm:"size:120;not null;index"`
	ActionType  string `gorm:"size:20;not null"`
	Status      string `gorm:"size:20;not null"`
	ActionDate  time.Time
	Fine        decimal.Decimal `gorm:"type:numeric(10,2);default:0"`
	BookState   string          `gorm:"size:30"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// BookHistory is the archived snapshot of a terminal activity. ActivityUid is
// unique so re-running a migration overwrites instead of duplicating.
type BookHistory struct {
	ID          uint   `gorm:"primaryKey"`
	ActivityUid string `gorm:"type:uuid;uniqueIndex;not null"`
	BookUid     string `gorm:"type:uuid;not null"`
	Title       string `gorm:"not null"`
	UserEmail   string `gorm:"size:120;not null"`
	ActionType  string `gorm:"size:20;not null"`
	Status      string `gorm:"size:20;not null"`
	ActionDate  time.Time
	Fine        decimal.Decimal `gorm:"type:numeric(10,2);default:0"`
	BookState   string          `gorm:"size:30"`
	ArchivedAt  time.Time
	CreatedAt   time.Time
}

type Student struct {
	ID        uint   `gorm:"primaryKey"`
	Email     string `gorm:"size:120;uniqueIndex;not null"`
	FirstName string `gorm:"size:80"`
	LastName  string `gorm:"size:80"`
	Enrolled  bool   `gorm:"not null;default:false"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ApproveBookStates are the conditions a librarian can record when handing a
// physical book out. ReturnBookStates additionally allows Lost.
var ApproveBookStates = []string{
	"Good",
	"Damaged (Pages)",
	"Damaged (Cover)",
	"Damaged (Missing Page)",
}

var ReturnBookStates = append(append([]string{}, ApproveBookStates...), "Lost")

func ValidApproveState(state string) bool { return containsState(ApproveBookStates, state) }

func ValidReturnState(state string) bool { return containsState(ReturnBookStates, state) }

func containsState(states []string, state string) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

// TerminalStatus reports whether no further transition is valid.
func TerminalStatus(status string) bool {
	return status == StatusDeclined || status == StatusReturned || status == StatusCompleted
}
