// Package docs registers the OpenAPI document served at /docs.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/api/health": {
            "get": {
                "produces": ["application/json"],
                "tags": ["health"],
                "summary": "Health check",
                "responses": {
                    "200": {"description": "OK"}
                }
            }
        },
        "/api/streams": {
            "get": {
                "produces": ["application/json"],
                "tags": ["streams"],
                "summary": "List streams",
                "responses": {
                    "200": {"description": "OK"}
                }
            },
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["streams"],
                "summary": "Add a stream",
                "responses": {
                    "201": {"description": "Created"},
                    "400": {"description": "Bad Request"},
                    "409": {"description": "Conflict"}
                }
            }
        },
        "/api/streams/{id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["streams"],
                "summary": "Stream status",
                "parameters": [
                    {"type": "string", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK"},
                    "404": {"description": "Not Found"}
                }
            },
            "put": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["streams"],
                "summary": "Upsert a stream",
                "parameters": [
                    {"type": "string", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK"},
                    "201": {"description": "Created"},
                    "400": {"description": "Bad Request"}
                }
            },
            "delete": {
                "produces": ["application/json"],
                "tags": ["streams"],
                "summary": "Remove a stream",
                "parameters": [
                    {"type": "string", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK"},
                    "404": {"description": "Not Found"}
                }
            }
        },
        "/api/streams/{id}/flush": {
            "post": {
                "produces": ["application/json"],
                "tags": ["streams"],
                "summary": "Flush a stream's buffered window",
                "parameters": [
                    {"type": "string", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK"},
                    "404": {"description": "Not Found"}
                }
            }
        },
        "/api/streams/{id}/recordings": {
            "get": {
                "produces": ["application/json"],
                "tags": ["streams"],
                "summary": "List persisted windows",
                "parameters": [
                    {"type": "string", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK"}
                }
            }
        },
        "/api/system/buffers": {
            "get": {
                "produces": ["application/json"],
                "tags": ["system"],
                "summary": "Buffer statistics",
                "responses": {
                    "200": {"description": "OK"}
                }
            }
        },
        "/api/system/restart": {
            "get": {
                "produces": ["application/json"],
                "tags": ["system"],
                "summary": "Restart status",
                "responses": {
                    "200": {"description": "OK"}
                }
            },
            "post": {
                "produces": ["application/json"],
                "tags": ["system"],
                "summary": "Request a restart",
                "responses": {
                    "202": {"description": "Accepted"}
                }
            }
        },
        "/api/system/restart/ack": {
            "post": {
                "produces": ["application/json"],
                "tags": ["system"],
                "summary": "Acknowledge a restart",
                "responses": {
                    "200": {"description": "OK"}
                }
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0.0",
	Host:             "localhost:8000",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "Heron NVR API",
	Description:      "Lightweight NVR ingestion node: RTSP streams, pre-detection buffering, and detection events",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
