package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"library-backend/pkg/database"
	"library-backend/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	db  *gorm.DB
	rdb *redis.Client

	statsCacheTTL = time.Minute
)

func main() {
	log.Println("Starting activity service...")

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment")
	}

	db = database.InitActivityDB()
	initStatsCache()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runOverdueSweeper(ctx, sweepInterval(), loanPeriod())

	server := gin.Default()
	server.POST("/api/v1/activities", createActivity)
	server.GET("/api/v1/activities", getActivities)
	server.GET("/api/v1/activities/:activityUid", getActivity)
	server.PUT("/api/v1/activities/:activityUid/status", updateActivityStatus)
	server.DELETE("/api/v1/activities/:activityUid", deleteActivity)
	server.POST("/api/v1/activities/:activityUid/return", returnActivity)

	server.GET("/api/v1/history", getHistory)
	server.DELETE("/api/v1/history", clearHistory)

	server.GET("/api/v1/stats/summary", getStatsSummary)
	server.GET("/api/v1/stats/reads/monthly", getMonthlyReads)
	server.GET("/api/v1/stats/reads/yearly", getYearlyReads)

	server.GET("/manage/health", healthCheck)

	log.Println("Activity service starting on :8070")
	if err := server.Run(":8070"); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

// initStatsCache wires the optional redis cache for the reads aggregation.
// The service runs fine without it.
func initStatsCache() {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("Redis unavailable, stats cache disabled: %v", err)
		return
	}
	rdb = client
	log.Printf("Stats cache enabled at %s", addr)
}

func activityJSON(a models.BookActivity) gin.H {
	return gin.H{
		"activityUid": a.ActivityUid,
		"bookUid":     a.BookUid,
		"title":       a.Title,
		"userEmail":   a.UserEmail,
		"actionType":  a.ActionType,
		"status":      a.Status,
		"actionDate":  a.ActionDate.UTC().Format(time.RFC3339),
		"fine":        a.Fine.StringFixed(2),
		"bookState":   a.BookState,
	}
}

func historyJSON(h models.BookHistory) gin.H {
	return gin.H{
		"activityUid": h.ActivityUid,
		"bookUid":     h.BookUid,
		"title":       h.Title,
		"userEmail":   h.UserEmail,
		"actionType":  h.ActionType,
		"status":      h.Status,
		"actionDate":  h.ActionDate.UTC().Format(time.RFC3339),
		"fine":        h.Fine.StringFixed(2),
		"bookState":   h.BookState,
		"archivedAt":  h.ArchivedAt.UTC().Format(time.RFC3339),
	}
}

func createActivity(c *gin.Context) {
	var request struct {
		BookUid    string `json:"bookUid" binding:"required"`
		Title      string `json:"title" binding:"required"`
		UserEmail  string `json:"userEmail" binding:"required"`
		ActionType string `json:"actionType" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}
	switch request.ActionType {
	case models.ActionBorrowed, models.ActionReserve, models.ActionRead:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "actionType must be Borrowed, Reserve, or Read"})
		return
	}

	activity := models.BookActivity{
		ActivityUid: uuid.New().String(),
		BookUid:     request.BookUid,
		Title:       request.Title,
		UserEmail:   request.UserEmail,
		ActionType:  request.ActionType,
		Status:      models.StatusPending,
		ActionDate:  time.Now().UTC(),
		Fine:        decimal.Zero,
	}
	if err := db.Create(&activity).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create activity"})
		return
	}
	c.JSON(http.StatusCreated, activityJSON(activity))
}

func getActivities(c *gin.Context) {
	query := db.Order("id")
	if actionType := c.Query("actionType"); actionType != "" {
		query = query.Where("action_type = ?", actionType)
	}
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var activities []models.BookActivity
	if err := query.Find(&activities).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	items := make([]gin.H, len(activities))
	for i, a := range activities {
		items[i] = activityJSON(a)
	}
	c.JSON(http.StatusOK, items)
}

func getActivity(c *gin.Context) {
	activityUid := c.Param("activityUid")

	var activity models.BookActivity
	if err := db.Where("activity_uid = ?", activityUid).First(&activity).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Activity not found"})
		return
	}
	c.JSON(http.StatusOK, activityJSON(activity))
}

// updateActivityStatus applies a compare-and-set transition. The expected
// status in the request keeps concurrent approvals from racing each other:
// whichever update matches first wins, the other sees zero rows and a 409.
func updateActivityStatus(c *gin.Context) {
	activityUid := c.Param("activityUid")

	var request struct {
		Status         string `json:"status" binding:"required"`
		ExpectedStatus string `json:"expectedStatus" binding:"required"`
		BookState      string `json:"bookState"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}
	switch request.Status {
	case models.StatusPending, models.StatusApproved, models.StatusDeclined, models.StatusOverdue:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be Pending, Approved, Declined, or Overdue"})
		return
	}

	updates := map[string]interface{}{"status": request.Status}
	if request.BookState != "" {
		updates["book_state"] = request.BookState
	}

	result := db.Model(&models.BookActivity{}).
		Where("activity_uid = ? AND status = ?", activityUid, request.ExpectedStatus).
		Updates(updates)
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update activity status"})
		return
	}
	if result.RowsAffected == 0 {
		var activity models.BookActivity
		if err := db.Where("activity_uid = ?", activityUid).First(&activity).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Activity not found"})
			return
		}
		c.JSON(http.StatusConflict, gin.H{
			"error":         "Activity status changed concurrently",
			"currentStatus": activity.Status,
		})
		return
	}

	var activity models.BookActivity
	db.Where("activity_uid = ?", activityUid).First(&activity)
	c.JSON(http.StatusOK, activityJSON(activity))
}

func deleteActivity(c *gin.Context) {
	activityUid := c.Param("activityUid")

	result := db.Where("activity_uid = ?", activityUid).Delete(&models.BookActivity{})
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": result.Error.Error()})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Activity not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Activity deleted successfully"})
}

// returnActivity finalizes an activity: sets the terminal status, fine and
// condition, copies the row into history and removes it from the ledger, all
// in one transaction so the record is archived exactly once.
func returnActivity(c *gin.Context) {
	activityUid := c.Param("activityUid")

	var request struct {
		Fine      decimal.Decimal `json:"fine"`
		BookState string          `json:"bookState" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}
	if request.Fine.IsNegative() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Fine must not be negative"})
		return
	}

	var archived models.BookHistory
	err := db.Transaction(func(tx *gorm.DB) error {
		var activity models.BookActivity
		if err := tx.Where("activity_uid = ?", activityUid).First(&activity).Error; err != nil {
			return err
		}

		status := models.StatusReturned
		if activity.ActionType == models.ActionRead {
			status = models.StatusCompleted
		}

		archived = models.BookHistory{
			ActivityUid: activity.ActivityUid,
			BookUid:     activity.BookUid,
			Title:       activity.Title,
			UserEmail:   activity.UserEmail,
			ActionType:  activity.ActionType,
			Status:      status,
			ActionDate:  activity.ActionDate,
			Fine:        request.Fine,
			BookState:   request.BookState,
			ArchivedAt:  time.Now().UTC(),
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "activity_uid"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "fine", "book_state", "archived_at"}),
		}).Create(&archived).Error; err != nil {
			return err
		}

		return tx.Where("activity_uid = ?", activityUid).Delete(&models.BookActivity{}).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Activity not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to return activity"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Activity returned and archived successfully",
		"record":  historyJSON(archived),
	})
}

func getHistory(c *gin.Context) {
	var records []models.BookHistory
	if err := db.Order("id").Find(&records).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	items := make([]gin.H, len(records))
	for i, h := range records {
		items[i] = historyJSON(h)
	}
	c.JSON(http.StatusOK, items)
}

func clearHistory(c *gin.Context) {
	var count int64
	if err := db.Model(&models.BookHistory{}).Count(&count).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := db.Where("1 = 1").Delete(&models.BookHistory{}).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to clear history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": fmt.Sprintf("Cleared %d history records", count),
	})
}

func getStatsSummary(c *gin.Context) {
	var total, pending, approved, overdue int64
	if err := db.Model(&models.BookActivity{}).Count(&total).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	db.Model(&models.BookActivity{}).Where("status = ?", models.StatusPending).Count(&pending)
	db.Model(&models.BookActivity{}).Where("status = ?", models.StatusApproved).Count(&approved)
	db.Model(&models.BookActivity{}).Where("status = ?", models.StatusOverdue).Count(&overdue)

	c.JSON(http.StatusOK, gin.H{
		"total":    total,
		"pending":  pending,
		"approved": approved,
		"overdue":  overdue,
	})
}

type readCount struct {
	Title      string `json:"title"`
	TotalReads int64  `json:"total_reads"`
	FirstID    uint   `json:"-"`
}

// aggregateReads counts completed Read activities in the archive between from
// and to, grouped by title. Ties are broken by the oldest archive row so the
// rendered top-N order is stable.
func aggregateReads(from, to time.Time) ([]readCount, error) {
	rows := make([]readCount, 0)
	err := db.Model(&models.BookHistory{}).
		Select("title, COUNT(*) AS total_reads, MIN(id) AS first_id").
		Where("action_type = ? AND status = ?", models.ActionRead, models.StatusCompleted).
		Where("action_date >= ? AND action_date < ?", from, to).
		Group("title").
		Order("total_reads DESC, first_id ASC").
		Scan(&rows).Error
	return rows, err
}

func getMonthlyReads(c *gin.Context) {
	now := time.Now().UTC()
	from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	serveReads(c, fmt.Sprintf("stats:reads:monthly:%s", from.Format("2006-01")), from, to)
}

func getYearlyReads(c *gin.Context) {
	now := time.Now().UTC()
	from := time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(1, 0, 0)
	serveReads(c, fmt.Sprintf("stats:reads:yearly:%d", now.Year()), from, to)
}

func serveReads(c *gin.Context, cacheKey string, from, to time.Time) {
	if rdb != nil {
		if cached, err := rdb.Get(c.Request.Context(), cacheKey).Bytes(); err == nil {
			c.Data(http.StatusOK, "application/json", cached)
			return
		}
	}

	rows, err := aggregateReads(from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if rdb != nil {
		if payload, err := json.Marshal(rows); err == nil {
			if err := rdb.Set(c.Request.Context(), cacheKey, payload, statsCacheTTL).Err(); err != nil {
				log.Printf("Failed to cache %s: %v", cacheKey, err)
			}
		}
	}
	c.JSON(http.StatusOK, rows)
}

// markOverdueActivities flips approved loans past the loan period to Overdue.
func markOverdueActivities(loanPeriod time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-loanPeriod)
	result := db.Model(&models.BookActivity{}).
		Where("status = ? AND action_type IN ? AND action_date < ?",
			models.StatusApproved, []string{models.ActionBorrowed, models.ActionReserve}, cutoff).
		Update("status", models.StatusOverdue)
	return result.RowsAffected, result.Error
}

// runOverdueSweeper runs one sweep per tick. A single goroutine owns the
// loop, so there is never more than one sweep in flight, and cancelling the
// context stops it.
func runOverdueSweeper(ctx context.Context, interval, loanPeriod time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("Overdue sweeper running every %s, loan period %s", interval, loanPeriod)
	for {
		select {
		case <-ctx.Done():
			log.Println("Overdue sweeper stopped")
			return
		case <-ticker.C:
			marked, err := markOverdueActivities(loanPeriod)
			if err != nil {
				log.Printf("Overdue sweep failed: %v", err)
				continue
			}
			if marked > 0 {
				log.Printf("Marked %d activities overdue", marked)
			}
		}
	}
}

func sweepInterval() time.Duration {
	return time.Duration(envInt("SWEEP_INTERVAL_SECONDS", 300)) * time.Second
}

func loanPeriod() time.Duration {
	return time.Duration(envInt("LOAN_PERIOD_DAYS", 7)) * 24 * time.Hour
}

func envInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return defaultValue
	}
	return n
}

func healthCheck(ctx *gin.Context) {
	sqlDB, err := db.DB()
	if err != nil {
		ctx.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "DOWN",
			"details": "Database connection failed",
			"error":   err.Error(),
		})
		return
	}
	if err := sqlDB.Ping(); err != nil {
		ctx.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "DOWN",
			"details": "Database ping failed",
			"error":   err.Error(),
		})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":  "UP",
		"details": "Host localhost:8070 is active",
	})
}
