package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"library-backend/pkg/circuitbreaker"
	"library-backend/pkg/models"
	"library-backend/pkg/queue"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	retryPollInterval      = 5 * time.Second
	retryAttemptTimeout    = 2 * time.Minute
	maxCompensationRetries = 5
)

var (
	studentServiceURL  string
	catalogServiceURL  string
	activityServiceURL string
	httpClient         *http.Client

	studentBreaker  *circuitbreaker.CircuitBreaker
	catalogBreaker  *circuitbreaker.CircuitBreaker
	activityBreaker *circuitbreaker.CircuitBreaker

	retryQueue *queue.Queue
)

func main() {
	log.Println("Starting gateway service...")

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment")
	}

	studentServiceURL = getEnv("STUDENT_SERVICE_URL", "http://localhost:8050")
	catalogServiceURL = getEnv("CATALOG_SERVICE_URL", "http://localhost:8060")
	activityServiceURL = getEnv("ACTIVITY_SERVICE_URL", "http://localhost:8070")

	httpClient = &http.Client{
		Timeout: 10 * time.Second,
	}

	studentBreaker = circuitbreaker.NewCircuitBreaker(5, 30*time.Second)
	catalogBreaker = circuitbreaker.NewCircuitBreaker(5, 30*time.Second)
	activityBreaker = circuitbreaker.NewCircuitBreaker(5, 30*time.Second)

	retryQueue = queue.NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runRetryWorker(ctx, retryQueue)

	r := gin.Default()
	r.Use(cors.New(corsConfig()))

	r.PUT("/api/v1/activity/:activityUid", updateActivityHandler)
	r.DELETE("/api/v1/activity/:activityUid", removeActivityHandler)
	r.PUT("/api/v1/return/:activityUid", returnActivityHandler)

	r.POST("/api/v1/activities", activitiesProxy)
	r.GET("/api/v1/activities/active", getActiveActivitiesHandler)
	r.GET("/api/v1/activities/history", historyProxy)
	r.DELETE("/api/v1/activities/history", historyProxy)

	r.GET("/api/v1/stats/summary", statsProxy)
	r.GET("/api/v1/stats/reads/monthly", statsProxy)
	r.GET("/api/v1/stats/reads/yearly", statsProxy)

	r.PUT("/api/v1/stock/:bookUid/decrease", decreaseStockHandler)
	r.PUT("/api/v1/stock/:bookUid/increase", increaseStockHandler)

	r.GET("/api/v1/books", catalogProxy)
	r.POST("/api/v1/books", catalogProxy)
	r.GET("/api/v1/books/:bookUid", catalogProxy)
	r.PUT("/api/v1/books/:bookUid", catalogProxy)
	r.DELETE("/api/v1/books/:bookUid", catalogProxy)

	r.GET("/api/v1/digital-copies", catalogProxy)
	r.POST("/api/v1/digital-copies", catalogProxy)
	r.GET("/api/v1/digital-copies/:copyUid", catalogProxy)
	r.PUT("/api/v1/digital-copies/:copyUid", catalogProxy)
	r.DELETE("/api/v1/digital-copies/:copyUid", catalogProxy)

	r.GET("/api/v1/research", catalogProxy)
	r.POST("/api/v1/research", catalogProxy)
	r.GET("/api/v1/research/:researchUid", catalogProxy)
	r.PUT("/api/v1/research/:researchUid", catalogProxy)
	r.DELETE("/api/v1/research/:researchUid", catalogProxy)

	r.GET("/api/v1/students", studentProxy)
	r.POST("/api/v1/students", studentProxy)
	r.POST("/api/v1/students/import", studentProxy)
	r.POST("/api/v1/students/import/csv", studentProxy)
	r.PUT("/api/v1/students/:email/enroll", studentProxy)
	r.POST("/api/v1/students/enroll-all", studentProxy)

	r.GET("/manage/health", healthCheck)

	log.Println("Gateway service starting on :8080")
	if err := r.Run(":8080"); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func corsConfig() cors.Config {
	config := cors.DefaultConfig()
	origins := getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000")
	config.AllowOrigins = strings.Split(origins, ",")
	config.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	config.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	return config
}

// updateActivityHandler performs an Approved or Declined transition on an
// activity. Approving a Borrowed/Reserve request decrements catalog stock
// first and rolls the decrement back if the status update does not commit.
func updateActivityHandler(c *gin.Context) {
	activityUid := c.Param("activityUid")

	var request struct {
		ActionType string `json:"action_type" binding:"required"`
		BookState  string `json:"book_state"`
		UserEmail  string `json:"user_email"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}
	if request.ActionType != models.StatusApproved && request.ActionType != models.StatusDeclined {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Target status must be Approved or Declined"})
		return
	}

	activity, status, err := getActivityInfo(activityUid)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if status == http.StatusNotFound || activity == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Activity not found"})
		return
	}
	currentStatus, _ := activity["status"].(string)
	activityAction, _ := activity["actionType"].(string)
	bookUid, _ := activity["bookUid"].(string)
	userEmail, _ := activity["userEmail"].(string)

	if request.UserEmail != "" && !strings.EqualFold(request.UserEmail, userEmail) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Activity not found for this user"})
		return
	}

	if request.ActionType == models.StatusDeclined {
		declineActivity(c, activityUid, currentStatus)
		return
	}

	if currentStatus == models.StatusApproved {
		c.JSON(http.StatusOK, gin.H{
			"message": "Activity already approved",
			"status":  models.StatusApproved,
		})
		return
	}
	if currentStatus == models.StatusOverdue {
		c.JSON(http.StatusConflict, gin.H{"error": "Cannot approve an overdue activity"})
		return
	}

	needsStock := activityAction == models.ActionBorrowed || activityAction == models.ActionReserve
	if needsStock && !models.ValidApproveState(request.BookState) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "A valid book state is required to approve this activity"})
		return
	}

	if needsStock {
		url := fmt.Sprintf("%s/api/v1/books/%s/stock/decrease", catalogServiceURL, bookUid)
		status, body, err := callService(catalogBreaker, "PUT", url, nil, "")
		if err != nil {
			respondServiceError(c, err)
			return
		}
		if status != http.StatusOK {
			c.Data(status, "application/json", body)
			return
		}
	}

	payload := map[string]interface{}{
		"status":         models.StatusApproved,
		"expectedStatus": currentStatus,
	}
	if needsStock {
		payload["bookState"] = request.BookState
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to build status request"})
		return
	}
	url := fmt.Sprintf("%s/api/v1/activities/%s/status", activityServiceURL, activityUid)
	status, body, err := callService(activityBreaker, "PUT", url, reqBody, "application/json")
	if err != nil || status != http.StatusOK {
		if needsStock {
			compensateStock(activityUid, bookUid, "increase")
		}
		if err != nil {
			respondServiceError(c, err)
			return
		}
		c.Data(status, "application/json", body)
		return
	}
	c.Data(http.StatusOK, "application/json", body)
}

// declineActivity removes a pending request from the ledger without leaving a
// history entry. Declining from any other status is rejected so approved
// stock decrements cannot be leaked.
func declineActivity(c *gin.Context, activityUid, currentStatus string) {
	if currentStatus != models.StatusPending {
		c.JSON(http.StatusConflict, gin.H{"error": "Only pending activities can be declined"})
		return
	}

	payload, err := json.Marshal(map[string]interface{}{
		"status":         models.StatusDeclined,
		"expectedStatus": models.StatusPending,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to build status request"})
		return
	}
	url := fmt.Sprintf("%s/api/v1/activities/%s/status", activityServiceURL, activityUid)
	status, body, err := callService(activityBreaker, "PUT", url, payload, "application/json")
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if status != http.StatusOK {
		c.Data(status, "application/json", body)
		return
	}

	url = fmt.Sprintf("%s/api/v1/activities/%s", activityServiceURL, activityUid)
	status, body, err = callService(activityBreaker, "DELETE", url, nil, "")
	if err != nil || status != http.StatusOK {
		rollbackDecline(activityUid)
		if err != nil {
			respondServiceError(c, err)
			return
		}
		c.Data(status, "application/json", body)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Activity declined and removed"})
}

// rollbackDecline puts a record back to Pending when the ledger delete after
// a decline did not go through, so the decline can be retried.
func rollbackDecline(activityUid string) {
	payload, err := json.Marshal(map[string]interface{}{
		"status":         models.StatusPending,
		"expectedStatus": models.StatusDeclined,
	})
	if err != nil {
		return
	}
	url := fmt.Sprintf("%s/api/v1/activities/%s/status", activityServiceURL, activityUid)
	status, _, err := callService(activityBreaker, "PUT", url, payload, "application/json")
	if err != nil || status != http.StatusOK {
		log.Printf("Failed to roll back decline of activity %s", activityUid)
	}
}

// removeActivityHandler deletes a record that never held a stock decrement.
// Removing an approved loan here would leak the decrement, so anything past
// Pending/Declined is rejected.
func removeActivityHandler(c *gin.Context) {
	activityUid := c.Param("activityUid")

	activity, status, err := getActivityInfo(activityUid)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if status == http.StatusNotFound || activity == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Activity not found"})
		return
	}
	currentStatus, _ := activity["status"].(string)
	if currentStatus != models.StatusPending && currentStatus != models.StatusDeclined {
		c.JSON(http.StatusConflict, gin.H{"error": "Only pending or declined activities can be removed"})
		return
	}

	forwardRequest(c, activityBreaker, activityServiceURL, fmt.Sprintf("/api/v1/activities/%s", activityUid))
}

// returnActivityHandler performs the terminal Returned/Completed transition:
// restore catalog stock for Borrowed/Reserve loans, then migrate the ledger
// row into history. A failed migration rolls the stock restore back.
func returnActivityHandler(c *gin.Context) {
	activityUid := c.Param("activityUid")

	var request struct {
		Fine           *decimal.Decimal `json:"fine"`
		BookState      string           `json:"book_state"`
		DeleteActivity bool             `json:"delete_activity"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}
	if request.Fine == nil || request.Fine.IsNegative() || !models.ValidReturnState(request.BookState) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "A non-negative fine and a valid book state are required to return this activity"})
		return
	}
	// delete_activity is accepted for dashboard compatibility; the archive
	// migration always removes the ledger row.
	_ = request.DeleteActivity

	activity, status, err := getActivityInfo(activityUid)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if status == http.StatusNotFound || activity == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Activity not found"})
		return
	}
	activityAction, _ := activity["actionType"].(string)
	bookUid, _ := activity["bookUid"].(string)

	needsStock := activityAction == models.ActionBorrowed || activityAction == models.ActionReserve
	if needsStock {
		url := fmt.Sprintf("%s/api/v1/books/%s/stock/increase", catalogServiceURL, bookUid)
		status, body, err := callService(catalogBreaker, "PUT", url, nil, "")
		if err != nil {
			respondServiceError(c, err)
			return
		}
		if status != http.StatusOK {
			c.Data(status, "application/json", body)
			return
		}
	}

	payload, err := json.Marshal(map[string]interface{}{
		"fine":      request.Fine,
		"bookState": request.BookState,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to build return request"})
		return
	}
	url := fmt.Sprintf("%s/api/v1/activities/%s/return", activityServiceURL, activityUid)
	status, body, err := callService(activityBreaker, "POST", url, payload, "application/json")
	if err != nil || status != http.StatusOK {
		if needsStock {
			compensateStock(activityUid, bookUid, "decrease")
		}
		if err != nil {
			respondServiceError(c, err)
			return
		}
		c.Data(status, "application/json", body)
		return
	}
	c.Data(http.StatusOK, "application/json", body)
}

// getActiveActivitiesHandler returns the ledger snapshot with each row
// enriched with the current catalog title and stock level.
func getActiveActivitiesHandler(c *gin.Context) {
	url := activityServiceURL + "/api/v1/activities"
	if params := c.Request.URL.Query().Encode(); params != "" {
		url += "?" + params
	}
	status, body, err := callService(activityBreaker, "GET", url, nil, "")
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if status != http.StatusOK {
		c.Data(status, "application/json", body)
		return
	}

	var activities []map[string]interface{}
	if err := json.Unmarshal(body, &activities); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to decode activities"})
		return
	}

	enriched := make([]map[string]interface{}, len(activities))
	for i, a := range activities {
		row := map[string]interface{}{
			"activity_uid": a["activityUid"],
			"book_uid":     a["bookUid"],
			"title":        a["title"],
			"user_email":   a["userEmail"],
			"action_type":  a["actionType"],
			"status":       a["status"],
			"action_date":  a["actionDate"],
			"fine":         a["fine"],
			"book_state":   a["bookState"],
		}
		bookUid, _ := a["bookUid"].(string)
		if book := getBookInfo(bookUid); book != nil {
			row["title"] = book["title"]
			row["stocks"] = book["stocks"]
		}
		enriched[i] = row
	}
	c.JSON(http.StatusOK, enriched)
}

func decreaseStockHandler(c *gin.Context) {
	path := fmt.Sprintf("/api/v1/books/%s/stock/decrease", c.Param("bookUid"))
	forwardRequest(c, catalogBreaker, catalogServiceURL, path)
}

func increaseStockHandler(c *gin.Context) {
	path := fmt.Sprintf("/api/v1/books/%s/stock/increase", c.Param("bookUid"))
	forwardRequest(c, catalogBreaker, catalogServiceURL, path)
}

func activitiesProxy(c *gin.Context) {
	forwardRequest(c, activityBreaker, activityServiceURL, c.Request.URL.Path)
}

func historyProxy(c *gin.Context) {
	forwardRequest(c, activityBreaker, activityServiceURL, "/api/v1/history")
}

func statsProxy(c *gin.Context) {
	forwardRequest(c, activityBreaker, activityServiceURL, c.Request.URL.Path)
}

func catalogProxy(c *gin.Context) {
	forwardRequest(c, catalogBreaker, catalogServiceURL, c.Request.URL.Path)
}

func studentProxy(c *gin.Context) {
	forwardRequest(c, studentBreaker, studentServiceURL, c.Request.URL.Path)
}

// forwardRequest relays the incoming request to a downstream service as-is,
// preserving method, query string, body and content type.
func forwardRequest(c *gin.Context, cb *circuitbreaker.CircuitBreaker, baseURL, path string) {
	url := baseURL + path
	if params := c.Request.URL.Query().Encode(); params != "" {
		url += "?" + params
	}
	var payload []byte
	if c.Request.Body != nil {
		data, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
			return
		}
		payload = data
	}
	status, body, err := callService(cb, c.Request.Method, url, payload, c.GetHeader("Content-Type"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.Data(status, "application/json", body)
}

// callService performs one downstream request under the service's circuit
// breaker. Transport failures and 5xx responses count against the breaker;
// 4xx responses are valid downstream answers and are returned to the caller.
func callService(cb *circuitbreaker.CircuitBreaker, method, url string, payload []byte, contentType string) (int, []byte, error) {
	var status int
	var respBody []byte
	err := cb.Execute(func() error {
		var reader io.Reader
		if len(payload) > 0 {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequest(method, url, reader)
		if err != nil {
			return err
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		status = resp.StatusCode
		respBody = body
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%s %s returned %d", method, url, resp.StatusCode)
		}
		return nil
	}, nil)
	if err != nil {
		return status, respBody, err
	}
	return status, respBody, nil
}

func respondServiceError(c *gin.Context, err error) {
	if errors.Is(err, circuitbreaker.ErrOpen) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service temporarily unavailable, please retry later"})
		return
	}
	c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to reach backend service"})
}

func getActivityInfo(activityUid string) (map[string]interface{}, int, error) {
	url := fmt.Sprintf("%s/api/v1/activities/%s", activityServiceURL, activityUid)
	status, body, err := callService(activityBreaker, "GET", url, nil, "")
	if err != nil {
		return nil, status, err
	}
	if status != http.StatusOK {
		return nil, status, nil
	}
	var activity map[string]interface{}
	if err := json.Unmarshal(body, &activity); err != nil {
		return nil, status, err
	}
	return activity, status, nil
}

func getBookInfo(bookUid string) map[string]interface{} {
	if bookUid == "" {
		return nil
	}
	url := fmt.Sprintf("%s/api/v1/books/%s", catalogServiceURL, bookUid)
	status, body, err := callService(catalogBreaker, "GET", url, nil, "")
	if err != nil || status != http.StatusOK {
		return nil
	}
	var book map[string]interface{}
	if err := json.Unmarshal(body, &book); err != nil {
		return nil
	}
	return book
}

// compensateStock undoes a stock adjustment when the ledger side of a
// transition failed to commit. If the undo itself fails the adjustment goes
// onto the retry queue instead of being dropped.
func compensateStock(activityUid, bookUid, direction string) {
	url := fmt.Sprintf("%s/api/v1/books/%s/stock/%s", catalogServiceURL, bookUid, direction)
	status, _, err := callService(catalogBreaker, "PUT", url, nil, "")
	if err == nil && status == http.StatusOK {
		return
	}
	log.Printf("Stock %s compensation for activity %s failed, queueing retry", direction, activityUid)
	retryQueue.Enqueue(&queue.PendingAdjustment{
		ActivityUid: activityUid,
		BookUid:     bookUid,
		Method:      "PUT",
		URL:         url,
		RetryAt:     time.Now(),
		MaxRetries:  maxCompensationRetries,
	})
}

// runRetryWorker drains the compensation queue in the background, one
// adjustment in flight at a time, with exponential backoff between attempts.
func runRetryWorker(ctx context.Context, q *queue.Queue) {
	ticker := time.NewTicker(retryPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			adj := q.Dequeue()
			if adj == nil {
				continue
			}
			if err := applyAdjustment(ctx, adj); err != nil {
				adj.RetryCount++
				if adj.RetryCount >= adj.MaxRetries {
					log.Printf("Giving up on stock adjustment for activity %s after %d attempts: %v", adj.ActivityUid, adj.RetryCount, err)
					continue
				}
				adj.RetryAt = time.Now().Add(time.Duration(1<<adj.RetryCount) * time.Second)
				q.Enqueue(adj)
			} else {
				log.Printf("Recovered stock adjustment for activity %s", adj.ActivityUid)
			}
		}
	}
}

// applyAdjustment bypasses the circuit breaker on purpose; the queue is
// already the degraded path and carries its own attempt bound.
func applyAdjustment(ctx context.Context, adj *queue.PendingAdjustment) error {
	reqCtx, cancel := context.WithTimeout(ctx, retryAttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, adj.Method, adj.URL, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s returned %d", adj.Method, adj.URL, resp.StatusCode)
	}
	return nil
}

func healthCheck(c *gin.Context) {
	services := map[string]string{
		"students": studentServiceURL,
		"catalog":  catalogServiceURL,
		"activity": activityServiceURL,
	}
	details := gin.H{}
	overall := "UP"
	for name, base := range services {
		if err := pingService(base); err != nil {
			details[name] = "DOWN"
			overall = "DEGRADED"
		} else {
			details[name] = "UP"
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   overall,
		"services": details,
	})
}

func pingService(base string) error {
	resp, err := httpClient.Get(base + "/manage/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
