package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterSwagger registers minimal Swagger/OpenAPI endpoints for the booking service.
// - GET /swagger/index.html  -> a small HTML page that loads the OpenAPI JSON
// - GET /swagger/doc.json    -> machine-readable OpenAPI JSON
func RegisterSwagger(rg gin.IRouter) {
	rg.GET("/swagger/index.html", func(c *gin.Context) {
		c.Header("Content-Type", "text/html; charset=utf-8")
		c.String(http.StatusOK, swaggerHTML)
	})

	rg.GET("/swagger/doc.json", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/json; charset=utf-8", []byte(swaggerJSON))
	})
}

const swaggerHTML = `<!doctype html>
<html>
  <head>
    <meta charset="utf-8" />
    <title>booking-service - Swagger</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@4/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@4/swagger-ui-bundle.js"></script>
    <script>
      window.ui = SwaggerUIBundle({
        url: '/swagger/doc.json',
        dom_id: '#swagger-ui',
      })
    </script>
  </body>
</html>`

const swaggerJSON = `{
  "openapi": "3.0.0",
  "info": { "title": "booking-service", "version": "v0.1.0" },
  "components": {
    "securitySchemes": { "bearer": { "type": "http", "scheme": "bearer" } },
    "schemas": {
      "Appointment": { "type": "object", "properties": {
        "id": {"type":"string"}, "doctorId": {"type":"string"}, "patientId": {"type":"string"},
        "scheduledAt": {"type":"string","format":"date-time"}, "durationMinutes": {"type":"integer"},
        "status": {"type":"string","enum":["SCHEDULED","IN_PROGRESS","COMPLETED","CANCELLED"]},
        "notes": {"type":"string"}, "visitType": {"type":"string","enum":["in-person","remote"]},
        "createdAt": {"type":"string","format":"date-time"}, "updatedAt": {"type":"string","format":"date-time"} } },
      "Error": { "type": "object", "properties": { "error": {"type":"string"}, "message": {"type":"string"} } }
    }
  },
  "security": [ { "bearer": [] } ],
  "paths": {
    "/api/bookings": {
      "post": {
        "summary": "Book an appointment",
        "requestBody": { "content": { "application/json": { "schema": {"type":"object","required":["doctorId","scheduledAt"],"properties":{"doctorId":{"type":"string"},"patientId":{"type":"string"},"scheduledAt":{"type":"string","format":"date-time"},"durationMinutes":{"type":"integer"},"notes":{"type":"string"},"visitType":{"type":"string"}}}}}},
        "responses": { "201": { "description": "booked" }, "400": { "description": "invalid input" }, "409": { "description": "doctor already booked in that window" }, "503": { "description": "store unavailable" } }
      },
      "get": {
        "summary": "List appointments",
        "parameters": [
          {"name":"doctorId","in":"query","schema":{"type":"string"}},
          {"name":"patientId","in":"query","schema":{"type":"string"}},
          {"name":"status","in":"query","schema":{"type":"string"}}
        ],
        "responses": { "200": { "description": "appointments ordered by scheduledAt" }, "400": { "description": "invalid filter" } }
      }
    },
    "/api/bookings/{id}": {
      "get": { "summary": "Get an appointment", "responses": { "200": { "description": "appointment" }, "404": { "description": "not found" } } },
      "put": {
        "summary": "Reschedule or annotate an appointment",
        "requestBody": { "content": { "application/json": { "schema": {"type":"object","properties":{"scheduledAt":{"type":"string","format":"date-time"},"durationMinutes":{"type":"integer"},"notes":{"type":"string"}}}}}},
        "responses": { "200": { "description": "updated" }, "404": { "description": "not found" }, "409": { "description": "conflict" }, "422": { "description": "not in SCHEDULED state" } }
      },
      "delete": { "summary": "Cancel an appointment", "responses": { "200": { "description": "cancelled" }, "404": { "description": "not found" }, "409": { "description": "not in SCHEDULED state" } } }
    },
    "/api/bookings/{id}/start": {
      "post": { "summary": "Start a visit", "responses": { "200": { "description": "in progress" }, "404": { "description": "not found" }, "422": { "description": "illegal transition" } } }
    },
    "/api/bookings/{id}/complete": {
      "post": { "summary": "Complete a visit", "responses": { "200": { "description": "completed" }, "404": { "description": "not found" }, "422": { "description": "illegal transition" } } }
    },
    "/api/doctors/{doctorId}/calendar": {
      "get": {
        "summary": "Busy windows of a doctor",
        "parameters": [
          {"name":"from","in":"query","required":true,"schema":{"type":"string","format":"date-time"}},
          {"name":"to","in":"query","required":true,"schema":{"type":"string","format":"date-time"}}
        ],
        "responses": { "200": { "description": "busy windows" }, "400": { "description": "invalid range" } }
      }
    },
    "/api/users/me": {
      "get": { "summary": "Current user profile", "responses": { "200": { "description": "profile" }, "401": { "description": "unauthenticated" } } }
    },
    "/health": { "get": { "summary": "Liveness check", "security": [], "responses": { "200": { "description": "healthy" } } } },
    "/ready": { "get": { "summary": "Readiness check", "security": [], "responses": { "200": { "description": "ready" }, "503": { "description": "not ready" } } } }
  }
}`
