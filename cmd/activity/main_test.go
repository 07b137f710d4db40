package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"library-backend/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB() *gorm.DB {
	testDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		panic("failed to connect test database")
	}
	testDB.AutoMigrate(&models.BookActivity{}, &models.BookHistory{})
	return testDB
}

func makeActivity(testDB *gorm.DB, activityUid, actionType, status string, actionDate time.Time) models.BookActivity {
	activity := models.BookActivity{
		ActivityUid: activityUid,
		BookUid:     "book-1",
		Title:       "Some Book",
		UserEmail:   "student@example.com",
		ActionType:  actionType,
		Status:      status,
		ActionDate:  actionDate,
		Fine:        decimal.Zero,
	}
	testDB.Create(&activity)
	return activity
}

func TestCreateActivity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db = setupTestDB()

	body, _ := json.Marshal(map[string]interface{}{
		"bookUid":    "book-1",
		"title":      "Some Book",
		"userEmail":  "student@example.com",
		"actionType": models.ActionBorrowed,
	})
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("POST", "/api/v1/activities", bytes.NewBuffer(body))
	c.Request.Header.Set("Content-Type", "application/json")

	createActivity(c)

	assert.Equal(t, http.StatusCreated, w.Code)
	var response map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &response)
	assert.NotEmpty(t, response["activityUid"])
	assert.Equal(t, models.StatusPending, response["status"])
	assert.Equal(t, "0.00", response["fine"])
}

func TestCreateActivityInvalidAction(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db = setupTestDB()

	body := []byte(`{"bookUid": "book-1", "title": "Some Book", "userEmail": "student@example.com", "actionType": "Burned"}`)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("POST", "/api/v1/activities", bytes.NewBuffer(body))
	c.Request.Header.Set("Content-Type", "application/json")

	createActivity(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetActivitiesStatusFilter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db = setupTestDB()

	makeActivity(db, "act-1", models.ActionBorrowed, models.StatusPending, time.Now().UTC())
	makeActivity(db, "act-2", models.ActionRead, models.StatusApproved, time.Now().UTC())

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/api/v1/activities?status=Pending", nil)

	getActivities(c)

	assert.Equal(t, http.StatusOK, w.Code)
	var response []map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &response)
	assert.Equal(t, 1, len(response))
	assert.Equal(t, "act-1", response[0]["activityUid"])
}

func TestUpdateActivityStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db = setupTestDB()

	makeActivity(db, "act-1", models.ActionBorrowed, models.StatusPending, time.Now().UTC())

	body := []byte(`{"status": "Approved", "expectedStatus": "Pending", "bookState": "Good"}`)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("PUT", "/api/v1/activities/act-1/status", bytes.NewBuffer(body))
	c.Request.Header.Set("Content-Type", "application/json")
	c.Params = gin.Params{{Key: "activityUid", Value: "act-1"}}

	updateActivityStatus(c)

	assert.Equal(t, http.StatusOK, w.Code)
	var activity models.BookActivity
	db.Where("activity_uid = ?", "act-1").First(&activity)
	assert.Equal(t, models.StatusApproved, activity.Status)
	assert.Equal(t, "Good", activity.BookState)
}

func TestUpdateActivityStatusConflict(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db = setupTestDB()

	makeActivity(db, "act-1", models.ActionBorrowed, models.StatusApproved, time.Now().UTC())

	body := []byte(`{"status": "Approved", "expectedStatus": "Pending"}`)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("PUT", "/api/v1/activities/act-1/status", bytes.NewBuffer(body))
	c.Request.Header.Set("Content-Type", "application/json")
	c.Params = gin.Params{{Key: "activityUid", Value: "act-1"}}

	updateActivityStatus(c)

	assert.Equal(t, http.StatusConflict, w.Code)
	var response map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &response)
	assert.Equal(t, models.StatusApproved, response["currentStatus"])
}

func TestUpdateActivityStatusBackToPending(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db = setupTestDB()

	makeActivity(db, "act-1", models.ActionBorrowed, models.StatusDeclined, time.Now().UTC())

	body := []byte(`{"status": "Pending", "expectedStatus": "Declined"}`)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("PUT", "/api/v1/activities/act-1/status", bytes.NewBuffer(body))
	c.Request.Header.Set("Content-Type", "application/json")
	c.Params = gin.Params{{Key: "activityUid", Value: "act-1"}}

	updateActivityStatus(c)

	assert.Equal(t, http.StatusOK, w.Code)
	var activity models.BookActivity
	db.Where("activity_uid = ?", "act-1").First(&activity)
	assert.Equal(t, models.StatusPending, activity.Status)
}

func TestUpdateActivityStatusNotFound(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db = setupTestDB()

	body := []byte(`{"status": "Approved", "expectedStatus": "Pending"}`)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("PUT", "/api/v1/activities/missing/status", bytes.NewBuffer(body))
	c.Request.Header.Set("Content-Type", "application/json")
	c.Params = gin.Params{{Key: "activityUid", Value: "missing"}}

	updateActivityStatus(c)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReturnActivityArchives(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db = setupTestDB()

	makeActivity(db, "act-1", models.ActionBorrowed, models.StatusApproved, time.Now().UTC())

	body := []byte(`{"fine": "2.50", "bookState": "Damaged (Cover)"}`)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("POST", "/api/v1/activities/act-1/return", bytes.NewBuffer(body))
	c.Request.Header.Set("Content-Type", "application/json")
	c.Params = gin.Params{{Key: "activityUid", Value: "act-1"}}

	returnActivity(c)

	assert.Equal(t, http.StatusOK, w.Code)
	var response map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &response)
	assert.Equal(t, "Activity returned and archived successfully", response["message"])

	var ledgerCount int64
	db.Model(&models.BookActivity{}).Count(&ledgerCount)
	assert.Equal(t, int64(0), ledgerCount)

	var records []models.BookHistory
	db.Find(&records)
	assert.Equal(t, 1, len(records))
	assert.Equal(t, models.StatusReturned, records[0].Status)
	assert.Equal(t, "Damaged (Cover)", records[0].BookState)
	assert.Equal(t, "2.50", records[0].Fine.StringFixed(2))
}

func TestReturnReadActivityCompleted(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db = setupTestDB()

	makeActivity(db, "act-1", models.ActionRead, models.StatusApproved, time.Now().UTC())

	body := []byte(`{"fine": "0", "bookState": "Good"}`)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("POST", "/api/v1/activities/act-1/return", bytes.NewBuffer(body))
	c.Request.Header.Set("Content-Type", "application/json")
	c.Params = gin.Params{{Key: "activityUid", Value: "act-1"}}

	returnActivity(c)

	assert.Equal(t, http.StatusOK, w.Code)
	var record models.BookHistory
	db.Where("activity_uid = ?", "act-1").First(&record)
	assert.Equal(t, models.StatusCompleted, record.Status)
}

func TestReturnActivityNegativeFine(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db = setupTestDB()

	makeActivity(db, "act-1", models.ActionBorrowed, models.StatusApproved, time.Now().UTC())

	body := []byte(`{"fine": "-1.00", "bookState": "Good"}`)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("POST", "/api/v1/activities/act-1/return", bytes.NewBuffer(body))
	c.Request.Header.Set("Content-Type", "application/json")
	c.Params = gin.Params{{Key: "activityUid", Value: "act-1"}}

	returnActivity(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var ledgerCount int64
	db.Model(&models.BookActivity{}).Count(&ledgerCount)
	assert.Equal(t, int64(1), ledgerCount)
}

func TestReturnActivityTwice(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db = setupTestDB()

	makeActivity(db, "act-1", models.ActionBorrowed, models.StatusApproved, time.Now().UTC())

	body := []byte(`{"fine": "0", "bookState": "Good"}`)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("POST", "/api/v1/activities/act-1/return", bytes.NewBuffer(body))
	c.Request.Header.Set("Content-Type", "application/json")
	c.Params = gin.Params{{Key: "activityUid", Value: "act-1"}}
	returnActivity(c)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("POST", "/api/v1/activities/act-1/return", bytes.NewBuffer([]byte(`{"fine": "0", "bookState": "Good"}`)))
	c.Request.Header.Set("Content-Type", "application/json")
	c.Params = gin.Params{{Key: "activityUid", Value: "act-1"}}
	returnActivity(c)
	assert.Equal(t, http.StatusNotFound, w.Code)

	var historyCount int64
	db.Model(&models.BookHistory{}).Count(&historyCount)
	assert.Equal(t, int64(1), historyCount)
}

func TestDeleteActivityNeverArchived(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db = setupTestDB()

	makeActivity(db, "act-1", models.ActionReserve, models.StatusDeclined, time.Now().UTC())

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("DELETE", "/api/v1/activities/act-1", nil)
	c.Params = gin.Params{{Key: "activityUid", Value: "act-1"}}

	deleteActivity(c)

	assert.Equal(t, http.StatusOK, w.Code)
	var ledgerCount, historyCount int64
	db.Model(&models.BookActivity{}).Count(&ledgerCount)
	db.Model(&models.BookHistory{}).Count(&historyCount)
	assert.Equal(t, int64(0), ledgerCount)
	assert.Equal(t, int64(0), historyCount)
}

func TestClearHistory(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db = setupTestDB()

	db.Create(&models.BookHistory{ActivityUid: "act-1", BookUid: "book-1", Title: "A", ActionType: models.ActionRead, Status: models.StatusCompleted, ActionDate: time.Now().UTC(), Fine: decimal.Zero, ArchivedAt: time.Now().UTC()})
	db.Create(&models.BookHistory{ActivityUid: "act-2", BookUid: "book-2", Title: "B", ActionType: models.ActionBorrowed, Status: models.StatusReturned, ActionDate: time.Now().UTC(), Fine: decimal.Zero, ArchivedAt: time.Now().UTC()})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("DELETE", "/api/v1/history", nil)

	clearHistory(c)

	assert.Equal(t, http.StatusOK, w.Code)
	var response map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &response)
	assert.Equal(t, "Cleared 2 history records", response["message"])

	var count int64
	db.Model(&models.BookHistory{}).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestStatsSummaryEmpty(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db = setupTestDB()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/api/v1/stats/summary", nil)

	getStatsSummary(c)

	assert.Equal(t, http.StatusOK, w.Code)
	var response map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &response)
	assert.Equal(t, float64(0), response["total"])
	assert.Equal(t, float64(0), response["pending"])
	assert.Equal(t, float64(0), response["approved"])
	assert.Equal(t, float64(0), response["overdue"])
}

func TestStatsSummaryCounts(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db = setupTestDB()

	makeActivity(db, "act-1", models.ActionBorrowed, models.StatusPending, time.Now().UTC())
	makeActivity(db, "act-2", models.ActionBorrowed, models.StatusApproved, time.Now().UTC())
	makeActivity(db, "act-3", models.ActionReserve, models.StatusApproved, time.Now().UTC())
	makeActivity(db, "act-4", models.ActionBorrowed, models.StatusOverdue, time.Now().UTC())

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/api/v1/stats/summary", nil)

	getStatsSummary(c)

	assert.Equal(t, http.StatusOK, w.Code)
	var response map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &response)
	assert.Equal(t, float64(4), response["total"])
	assert.Equal(t, float64(1), response["pending"])
	assert.Equal(t, float64(2), response["approved"])
	assert.Equal(t, float64(1), response["overdue"])
}

func TestMonthlyReadsEmpty(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db = setupTestDB()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/api/v1/stats/reads/monthly", nil)

	getMonthlyReads(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", w.Body.String())
}

func archiveRead(testDB *gorm.DB, activityUid, title string, actionDate time.Time) {
	testDB.Create(&models.BookHistory{
		ActivityUid: activityUid,
		BookUid:     "book-1",
		Title:       title,
		UserEmail:   "student@example.com",
		ActionType:  models.ActionRead,
		Status:      models.StatusCompleted,
		ActionDate:  actionDate,
		Fine:        decimal.Zero,
		BookState:   "Good",
		ArchivedAt:  time.Now().UTC(),
	})
}

func TestMonthlyReadsGrouping(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db = setupTestDB()

	now := time.Now().UTC()
	archiveRead(db, "act-1", "Popular", now)
	archiveRead(db, "act-2", "Popular", now)
	archiveRead(db, "act-3", "Niche", now)
	// same count as Niche but archived later, so Niche renders first
	archiveRead(db, "act-4", "Later Tie", now)
	// outside the current month, must not count
	archiveRead(db, "act-5", "Popular", now.AddDate(0, -2, 0))
	// returned loans are not reads
	db.Create(&models.BookHistory{
		ActivityUid: "act-6", BookUid: "book-1", Title: "Popular",
		ActionType: models.ActionBorrowed, Status: models.StatusReturned,
		ActionDate: now, Fine: decimal.Zero, ArchivedAt: now,
	})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/api/v1/stats/reads/monthly", nil)

	getMonthlyReads(c)

	assert.Equal(t, http.StatusOK, w.Code)
	var response []map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &response)
	assert.Equal(t, 3, len(response))
	assert.Equal(t, "Popular", response[0]["title"])
	assert.Equal(t, float64(2), response[0]["total_reads"])
	assert.Equal(t, "Niche", response[1]["title"])
	assert.Equal(t, "Later Tie", response[2]["title"])
}

func TestMarkOverdueActivities(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db = setupTestDB()

	old := time.Now().UTC().AddDate(0, 0, -10)
	makeActivity(db, "act-1", models.ActionBorrowed, models.StatusApproved, old)
	makeActivity(db, "act-2", models.ActionReserve, models.StatusApproved, old)
	makeActivity(db, "act-3", models.ActionRead, models.StatusApproved, old)
	makeActivity(db, "act-4", models.ActionBorrowed, models.StatusApproved, time.Now().UTC())
	makeActivity(db, "act-5", models.ActionBorrowed, models.StatusPending, old)

	marked, err := markOverdueActivities(7 * 24 * time.Hour)

	assert.NoError(t, err)
	assert.Equal(t, int64(2), marked)

	var overdue []models.BookActivity
	db.Where("status = ?", models.StatusOverdue).Order("id").Find(&overdue)
	assert.Equal(t, 2, len(overdue))
	assert.Equal(t, "act-1", overdue[0].ActivityUid)
	assert.Equal(t, "act-2", overdue[1].ActivityUid)
}

func TestEnvIntDefaults(t *testing.T) {
	tests := []struct {
		name         string
		value        string
		defaultValue int
		expected     int
	}{
		{name: "empty uses default", value: "", defaultValue: 300, expected: 300},
		{name: "valid value", value: "60", defaultValue: 300, expected: 60},
		{name: "garbage uses default", value: "soon", defaultValue: 300, expected: 300},
		{name: "non-positive uses default", value: "-5", defaultValue: 300, expected: 300},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_ENV_INT", tt.value)
			assert.Equal(t, tt.expected, envInt("TEST_ENV_INT", tt.defaultValue))
		})
	}
}
