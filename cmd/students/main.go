package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"library-backend/pkg/database"
	"library-backend/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var db *gorm.DB

func main() {
	log.Println("Starting student service...")

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment")
	}

	db = database.InitStudentDB()

	server := gin.Default()
	server.GET("/api/v1/students", getStudents)
	server.POST("/api/v1/students", createStudent)
	server.POST("/api/v1/students/import", importStudents)
	server.POST("/api/v1/students/import/csv", importStudentsCSV)
	server.PUT("/api/v1/students/:email/enroll", setEnrollment)
	server.POST("/api/v1/students/enroll-all", enrollAll)
	server.GET("/manage/health", healthCheck)

	log.Println("Student service starting on :8050")
	if err := server.Run(":8050"); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func studentJSON(s models.Student) gin.H {
	return gin.H{
		"email":     s.Email,
		"firstName": s.FirstName,
		"lastName":  s.LastName,
		"enrolled":  s.Enrolled,
	}
}

func getStudents(c *gin.Context) {
	var students []models.Student
	if err := db.Order("id").Find(&students).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	items := make([]gin.H, len(students))
	for i, s := range students {
		items[i] = studentJSON(s)
	}
	c.JSON(http.StatusOK, items)
}

func createStudent(c *gin.Context) {
	var request struct {
		Email     string `json:"email" binding:"required,email"`
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	student := models.Student{
		Email:     strings.ToLower(request.Email),
		FirstName: request.FirstName,
		LastName:  request.LastName,
	}
	if err := db.Create(&student).Error; err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "Student already exists"})
		return
	}
	c.JSON(http.StatusCreated, studentJSON(student))
}

// importStudents bulk-inserts records the dashboard extracted from a
// spreadsheet. Rows whose email already exists are skipped, not updated.
func importStudents(c *gin.Context) {
	var request []struct {
		Email     string `json:"email"`
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}
	if len(request) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No students to import"})
		return
	}

	students := make([]models.Student, 0, len(request))
	skipped := 0
	for _, r := range request {
		email := strings.ToLower(strings.TrimSpace(r.Email))
		if email == "" || !strings.Contains(email, "@") {
			skipped++
			continue
		}
		students = append(students, models.Student{
			Email:     email,
			FirstName: r.FirstName,
			LastName:  r.LastName,
		})
	}
	if len(students) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No valid students to import"})
		return
	}

	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		DoNothing: true,
	}).Create(&students)
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to import students"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":  fmt.Sprintf("Imported %d students", result.RowsAffected),
		"imported": result.RowsAffected,
		"skipped":  skipped + len(students) - int(result.RowsAffected),
	})
}

// importStudentsCSV accepts a CSV upload with an email, first_name,
// last_name header in any column order.
func importStudentsCSV(c *gin.Context) {
	file, _, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "CSV file is required"})
		return
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read CSV header"})
		return
	}

	col := map[string]int{}
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	emailIdx, ok := col["email"]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "CSV must have an email column"})
		return
	}

	var students []models.Student
	skipped := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to parse CSV", "details": err.Error()})
			return
		}
		email := strings.ToLower(strings.TrimSpace(record[emailIdx]))
		if email == "" || !strings.Contains(email, "@") {
			skipped++
			continue
		}
		student := models.Student{Email: email}
		if i, ok := col["first_name"]; ok && i < len(record) {
			student.FirstName = strings.TrimSpace(record[i])
		}
		if i, ok := col["last_name"]; ok && i < len(record) {
			student.LastName = strings.TrimSpace(record[i])
		}
		students = append(students, student)
	}
	if len(students) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No valid students in file"})
		return
	}

	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		DoNothing: true,
	}).Create(&students)
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to import students"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":  fmt.Sprintf("Imported %d students", result.RowsAffected),
		"imported": result.RowsAffected,
		"skipped":  skipped + len(students) - int(result.RowsAffected),
	})
}

func setEnrollment(c *gin.Context) {
	email := strings.ToLower(c.Param("email"))

	var request struct {
		Enrolled *bool `json:"enrolled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	result := db.Model(&models.Student{}).
		Where("email = ?", email).
		Update("enrolled", *request.Enrolled)
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update enrollment"})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Student not found"})
		return
	}

	var student models.Student
	db.Where("email = ?", email).First(&student)
	c.JSON(http.StatusOK, studentJSON(student))
}

func enrollAll(c *gin.Context) {
	result := db.Model(&models.Student{}).
		Where("enrolled = ?", false).
		Update("enrolled", true)
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to enroll students"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":  fmt.Sprintf("Enrolled %d students", result.RowsAffected),
		"enrolled": result.RowsAffected,
	})
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
		"details": "Host localhost:8050 is active",
	})
}
