package main

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

func jwtSecret() []byte {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "defaultsecret"
	}
	return []byte(secret)
}

func GenerateToken(userID uint) (string, error) {
	claims := jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(24 * time.Hour).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret())
}

type SignupRequest struct {
	Email    string `json:"email" binding:"required,email,max=255"`
	Password string `json:"password" binding:"required,min=8"`
	FullName string `json:"full_name" binding:"omitempty,max=100"`
}

func Signup(c *gin.Context) {
	var req SignupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		jsonError(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		jsonError(c, http.StatusInternalServerError, "could not hash password")
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))

	// New accounts are students; the bootstrap admin email from the
	// environment becomes an admin.
	role := RoleStudent
	if admin := os.Getenv("ADMIN_EMAIL"); admin != "" && strings.EqualFold(admin, email) {
		role = RoleAdmin
	}

	profile := Profile{
		Email:    email,
		Password: string(hash),
		FullName: optional(req.FullName),
		Role:     role,
	}

	if err := DB.Create(&profile).Error; err != nil {
		jsonError(c, http.StatusBadRequest, "account already exists")
		return
	}

	profile.Password = ""
	c.JSON(http.StatusCreated, gin.H{
		"message": "Signup successful",
		"user":    profile,
	})
}

func Login(c *gin.Context) {
	var req LoginRequest
	var profile Profile

	if err := c.ShouldBindJSON(&req); err != nil {
		jsonError(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if err := DB.Where("email = ?", email).First(&profile).Error; err != nil {
		jsonError(c, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(profile.Password), []byte(req.Password)); err != nil {
		jsonError(c, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := GenerateToken(profile.ID)
	if err != nil {
		logger.Error("failed to sign token", zap.Error(err))
		jsonError(c, http.StatusInternalServerError, "failed to generate token")
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "role": profile.Role})
}
