package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/meridianpool/treasury/pkg/middleware"
)

// RegisterRoutes attaches the treasury API to the router. jwtSecret
// guards everything a user calls about their own money; webhooks and
// sale status stay public (the webhook authenticates via its HMAC
// signature instead).
func RegisterRoutes(router *gin.Engine, jwtSecret string) {
	router.POST("/webhooks/nowpayments", HandleNowPaymentsIPN)
	router.GET("/sale", GetSaleStatus)

	authed := router.Group("/")
	authed.Use(middleware.JWTAuthMiddleware([]byte(jwtSecret)))
	{
		authed.POST("/payments", CreatePayment)
		authed.GET("/payments/:order_id", GetPayment)
		authed.POST("/payments/onchain", SubmitTransactionHash)
		authed.GET("/vesting", GetVesting)
		authed.GET("/referrals", GetReferrals)
	}
}
