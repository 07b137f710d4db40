package main

import (
	"log"
	"net/http"

	"library-backend/pkg/database"
	"library-backend/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gorm.io/gorm"
)

var db *gorm.DB

func main() {
	log.Println("Starting catalog service...")

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment")
	}

	db = database.InitCatalogDB()

	server := gin.Default()
	server.GET("/api/v1/books", getBooks)
	server.POST("/api/v1/books", createBook)
	server.GET("/api/v1/books/:bookUid", getBook)
	server.PUT("/api/v1/books/:bookUid", updateBook)
	server.DELETE("/api/v1/books/:bookUid", deleteBook)
	server.PUT("/api/v1/books/:bookUid/stock/decrease", decreaseBookStock)
	server.PUT("/api/v1/books/:bookUid/stock/increase", increaseBookStock)

	server.GET("/api/v1/digital-copies", getDigitalCopies)
	server.POST("/api/v1/digital-copies", createDigitalCopy)
	server.GET("/api/v1/digital-copies/:copyUid", getDigitalCopy)
	server.PUT("/api/v1/digital-copies/:copyUid", updateDigitalCopy)
	server.DELETE("/api/v1/digital-copies/:copyUid", deleteDigitalCopy)

	server.GET("/api/v1/research", getResearchPapers)
	server.POST("/api/v1/research", createResearchPaper)
	server.GET("/api/v1/research/:researchUid", getResearchPaper)
	server.PUT("/api/v1/research/:researchUid", updateResearchPaper)
	server.DELETE("/api/v1/research/:researchUid", deleteResearchPaper)

	server.GET("/manage/health", healthCheck)

	log.Println("Catalog service starting on :8060")
	if err := server.Run(":8060"); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func bookJSON(b models.Book) gin.H {
	return gin.H{
		"bookUid":  b.BookUid,
		"title":    b.Title,
		"author":   b.Author,
		"year":     b.Year,
		"stocks":   b.Stocks,
		"imageUrl": b.ImageURL,
	}
}

func getBooks(c *gin.Context) {
	var books []models.Book
	if err := db.Order("id").Find(&books).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	items := make([]gin.H, len(books))
	for i, b := range books {
		items[i] = bookJSON(b)
	}
	c.JSON(http.StatusOK, items)
}

func createBook(c *gin.Context) {
	var request struct {
		Title    string `json:"title" binding:"required"`
		Author   string `json:"author"`
		Year     string `json:"year"`
		Stocks   int    `json:"stocks"`
		ImageURL string `json:"imageUrl"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}
	if request.Stocks < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Stocks must not be negative"})
		return
	}
	book := models.Book{
		BookUid:  uuid.New().String(),
		Title:    request.Title,
		Author:   request.Author,
		Year:     request.Year,
		Stocks:   request.Stocks,
		ImageURL: request.ImageURL,
	}
	if err := db.Create(&book).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create book"})
		return
	}
	c.JSON(http.StatusCreated, bookJSON(book))
}

func getBook(c *gin.Context) {
	bookUid := c.Param("bookUid")

	var book models.Book
	if err := db.Where("book_uid = ?", bookUid).First(&book).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Book not found"})
		return
	}
	c.JSON(http.StatusOK, bookJSON(book))
}

func updateBook(c *gin.Context) {
	bookUid := c.Param("bookUid")

	var book models.Book
	if err := db.Where("book_uid = ?", bookUid).First(&book).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Book not found"})
		return
	}

	var request struct {
		Title    *string `json:"title"`
		Author   *string `json:"author"`
		Year     *string `json:"year"`
		Stocks   *int    `json:"stocks"`
		ImageURL *string `json:"imageUrl"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}
	if request.Title != nil {
		book.Title = *request.Title
	}
	if request.Author != nil {
		book.Author = *request.Author
	}
	if request.Year != nil {
		book.Year = *request.Year
	}
	if request.Stocks != nil {
		if *request.Stocks < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Stocks must not be negative"})
			return
		}
		book.Stocks = *request.Stocks
	}
	if request.ImageURL != nil {
		book.ImageURL = *request.ImageURL
	}
	if err := db.Save(&book).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update book"})
		return
	}
	c.JSON(http.StatusOK, bookJSON(book))
}

func deleteBook(c *gin.Context) {
	bookUid := c.Param("bookUid")

	result := db.Where("book_uid = ?", bookUid).Delete(&models.Book{})
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": result.Error.Error()})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Book not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Book deleted successfully"})
}

// decreaseBookStock subtracts one copy. The guard in the WHERE clause keeps
// stocks from ever going below zero under concurrent approvals.
func decreaseBookStock(c *gin.Context) {
	bookUid := c.Param("bookUid")

	var book models.Book
	if err := db.Where("book_uid = ?", bookUid).First(&book).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Book not found"})
		return
	}

	result := db.Model(&models.Book{}).
		Where("book_uid = ? AND stocks > 0", bookUid).
		UpdateColumn("stocks", gorm.Expr("stocks - 1"))
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update book stock"})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "Insufficient stock"})
		return
	}

	db.Where("book_uid = ?", bookUid).First(&book)
	c.JSON(http.StatusOK, gin.H{
		"bookUid": book.BookUid,
		"stocks":  book.Stocks,
	})
}

func increaseBookStock(c *gin.Context) {
	bookUid := c.Param("bookUid")

	var book models.Book
	if err := db.Where("book_uid = ?", bookUid).First(&book).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Book not found"})
		return
	}

	result := db.Model(&models.Book{}).
		Where("book_uid = ?", bookUid).
		UpdateColumn("stocks", gorm.Expr("stocks + 1"))
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update book stock"})
		return
	}

	db.Where("book_uid = ?", bookUid).First(&book)
	c.JSON(http.StatusOK, gin.H{
		"bookUid": book.BookUid,
		"stocks":  book.Stocks,
		"message": "Book stock increased successfully",
	})
}

func copyJSON(d models.DigitalCopy) gin.H {
	return gin.H{
		"copyUid":  d.CopyUid,
		"title":    d.Title,
		"author":   d.Author,
		"year":     d.Year,
		"imageUrl": d.ImageURL,
		"pdfUrl":   d.PdfURL,
	}
}

func getDigitalCopies(c *gin.Context) {
	var copies []models.DigitalCopy
	if err := db.Order("id").Find(&copies).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	items := make([]gin.H, len(copies))
	for i, d := range copies {
		items[i] = copyJSON(d)
	}
	c.JSON(http.StatusOK, items)
}

func createDigitalCopy(c *gin.Context) {
	var request struct {
		Title    string `json:"title" binding:"required"`
		Author   string `json:"author"`
		Year     string `json:"year"`
		ImageURL string `json:"imageUrl"`
		PdfURL   string `json:"pdfUrl" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}
	item := models.DigitalCopy{
		CopyUid:  uuid.New().String(),
		Title:    request.Title,
		Author:   request.Author,
		Year:     request.Year,
		ImageURL: request.ImageURL,
		PdfURL:   request.PdfURL,
	}
	if err := db.Create(&item).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create digital copy"})
		return
	}
	c.JSON(http.StatusCreated, copyJSON(item))
}

func getDigitalCopy(c *gin.Context) {
	copyUid := c.Param("copyUid")

	var item models.DigitalCopy
	if err := db.Where("copy_uid = ?", copyUid).First(&item).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Digital copy not found"})
		return
	}
	c.JSON(http.StatusOK, copyJSON(item))
}

func updateDigitalCopy(c *gin.Context) {
	copyUid := c.Param("copyUid")

	var item models.DigitalCopy
	if err := db.Where("copy_uid = ?", copyUid).First(&item).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Digital copy not found"})
		return
	}

	var request struct {
		Title    *string `json:"title"`
		Author   *string `json:"author"`
		Year     *string `json:"year"`
		ImageURL *string `json:"imageUrl"`
		PdfURL   *string `json:"pdfUrl"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}
	if request.Title != nil {
		item.Title = *request.Title
	}
	if request.Author != nil {
		item.Author = *request.Author
	}
	if request.Year != nil {
		item.Year = *request.Year
	}
	if request.ImageURL != nil {
		item.ImageURL = *request.ImageURL
	}
	if request.PdfURL != nil {
		item.PdfURL = *request.PdfURL
	}
	if err := db.Save(&item).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update digital copy"})
		return
	}
	c.JSON(http.StatusOK, copyJSON(item))
}

func deleteDigitalCopy(c *gin.Context) {
	copyUid := c.Param("copyUid")

	result := db.Where("copy_uid = ?", copyUid).Delete(&models.DigitalCopy{})
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": result.Error.Error()})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Digital copy not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Digital copy deleted successfully"})
}

func researchJSON(r models.ResearchPaper) gin.H {
	return gin.H{
		"researchUid": r.ResearchUid,
		"title":       r.Title,
		"authors":     r.Authors,
		"keywords":    r.Keywords,
		"year":        r.Year,
		"abstract":    r.Abstract,
		"pdfUrl":      r.PdfURL,
	}
}

func getResearchPapers(c *gin.Context) {
	var papers []models.ResearchPaper
	if err := db.Order("id").Find(&papers).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	items := make([]gin.H, len(papers))
	for i, r := range papers {
		items[i] = researchJSON(r)
	}
	c.JSON(http.StatusOK, items)
}

func createResearchPaper(c *gin.Context) {
	var request struct {
		Title    string `json:"title" binding:"required"`
		Authors  string `json:"authors"`
		Keywords string `json:"keywords"`
		Year     string `json:"year"`
		Abstract string `json:"abstract"`
		PdfURL   string `json:"pdfUrl"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}
	paper := models.ResearchPaper{
		ResearchUid: uuid.New().String(),
		Title:       request.Title,
		Authors:     request.Authors,
		Keywords:    request.Keywords,
		Year:        request.Year,
		Abstract:    request.Abstract,
		PdfURL:      request.PdfURL,
	}
	if err := db.Create(&paper).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create research paper"})
		return
	}
	c.JSON(http.StatusCreated, researchJSON(paper))
}

func getResearchPaper(c *gin.Context) {
	researchUid := c.Param("researchUid")

	var paper models.ResearchPaper
	if err := db.Where("research_uid = ?", researchUid).First(&paper).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Research paper not found"})
		return
	}
	c.JSON(http.StatusOK, researchJSON(paper))
}

func updateResearchPaper(c *gin.Context) {
	researchUid := c.Param("researchUid")

	var paper models.ResearchPaper
	if err := db.Where("research_uid = ?", researchUid).First(&paper).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Research paper not found"})
		return
	}

	var request struct {
		Title    *string `json:"title"`
		Authors  *string `json:"authors"`
		Keywords *string `json:"keywords"`
		Year     *string `json:"year"`
		Abstract *string `json:"abstract"`
		PdfURL   *string `json:"pdfUrl"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}
	if request.Title != nil {
		paper.Title = *request.Title
	}
	if request.Authors != nil {
		paper.Authors = *request.Authors
	}
	if request.Keywords != nil {
		paper.Keywords = *request.Keywords
	}
	if request.Year != nil {
		paper.Year = *request.Year
	}
	if request.Abstract != nil {
		paper.Abstract = *request.Abstract
	}
	if request.PdfURL != nil {
		paper.PdfURL = *request.PdfURL
	}
	if err := db.Save(&paper).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update research paper"})
		return
	}
	c.JSON(http.StatusOK, researchJSON(paper))
}

func deleteResearchPaper(c *gin.Context) {
	researchUid := c.Param("researchUid")

	result := db.Where("research_uid = ?", researchUid).Delete(&models.ResearchPaper{})
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": result.Error.Error()})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Research paper not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Research paper deleted successfully"})
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
		"details": "Host localhost:8060 is active",
	})
}
