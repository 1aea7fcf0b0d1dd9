package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Group Change API",
        "description": "Group change requests with capacity-aware admission",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": ["http"],
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    },
    "security": [{"BearerAuth": []}],
    "tags": [
        {"name": "ChangeRequests", "description": "Submit, track and review group change requests"},
        {"name": "Admission", "description": "Capacity-aware admission cycles and undo"}
    ],
    "paths": {
        "/change-requests": {
            "post": {
                "tags": ["ChangeRequests"],
                "summary": "Submit a group change request",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/SubmitChangeRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Invalid payload", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Open request already exists", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/change-requests/mine": {
            "get": {
                "tags": ["ChangeRequests"],
                "summary": "List the caller's change requests",
                "parameters": [
                    {"name": "term_id", "in": "query", "type": "string"},
                    {"name": "status", "in": "query", "type": "string", "description": "Comma separated statuses"},
                    {"name": "page", "in": "query", "type": "integer"},
                    {"name": "page_size", "in": "query", "type": "integer"}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/change-requests/{id}": {
            "get": {
                "tags": ["ChangeRequests"],
                "summary": "Get a change request with its review history and rank",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "patch": {
                "tags": ["ChangeRequests"],
                "summary": "Update the reason of an open request",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/UpdateChangeRequest"}}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/change-requests/{id}/rank": {
            "get": {
                "tags": ["ChangeRequests"],
                "summary": "Priority rank among pending requests for the same group",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/change-requests/{id}/cancel": {
            "post": {
                "tags": ["ChangeRequests"],
                "summary": "Cancel an open request",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Transition not allowed", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/change-requests/{id}/review": {
            "post": {
                "tags": ["ChangeRequests"],
                "summary": "Start review, request information or reject",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/ReviewChangeRequest"}}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/change-requests/{id}/admit": {
            "post": {
                "tags": ["Admission"],
                "summary": "Admit a single request now",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Capacity exhausted or concurrency conflict", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "422": {"description": "Failed eligibility checks", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/change-requests/{id}/history/export": {
            "get": {
                "tags": ["ChangeRequests"],
                "summary": "Download the review history",
                "produces": ["text/csv", "application/pdf"],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "format", "in": "query", "type": "string", "enum": ["csv", "pdf"]}
                ],
                "responses": {"200": {"description": "File", "schema": {"type": "file"}}}
            }
        },
        "/groups/{id}/occupancy": {
            "get": {
                "tags": ["Admission"],
                "summary": "Current occupancy of a group",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/groups/{id}/decide": {
            "post": {
                "tags": ["Admission"],
                "summary": "Run an admission cycle for a group",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/admission/decide-all": {
            "post": {
                "tags": ["Admission"],
                "summary": "Run admission cycles for every group with pending requests",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/students/{id}/undo": {
            "post": {
                "tags": ["Admission"],
                "summary": "Revert a student's last enrollment change",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        }
    },
    "definitions": {
        "SubmitChangeRequest": {
            "type": "object",
            "required": ["from_group_id", "to_group_id", "reason"],
            "properties": {
                "from_group_id": {"type": "string"},
                "to_group_id": {"type": "string"},
                "reason": {"type": "string", "maxLength": 2000}
            }
        },
        "UpdateChangeRequest": {
            "type": "object",
            "required": ["reason"],
            "properties": {"reason": {"type": "string", "maxLength": 2000}}
        },
        "ReviewChangeRequest": {
            "type": "object",
            "required": ["action"],
            "properties": {
                "action": {"type": "string", "enum": ["start_review", "request_info", "reject"]},
                "comment": {"type": "string"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total_count": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "pagination": {"$ref": "#/definitions/Pagination"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
