// Package swagger registers the OpenAPI document served at /swagger/.
package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/api/postEvents/{box_id}/": {
            "post": {
                "description": "Stores raw events and the observables they reference, sent by a box",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "summary": "Receive events",
                "parameters": [
                    {"type": "string", "description": "Box id", "name": "box_id", "in": "path", "required": true},
                    {"type": "string", "description": "Upload token of the box", "name": "Authorization", "in": "header", "required": true},
                    {"description": "Events and devices", "name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/model.EventsPayload"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object", "additionalProperties": true}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/api.errorResponse"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/api.errorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/api.errorResponse"}}
                }
            }
        },
        "/api/postAggregations/{box_id}/": {
            "post": {
                "description": "Stores hourly and daily aggregates sent by a box",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "summary": "Receive aggregations",
                "parameters": [
                    {"type": "string", "description": "Box id", "name": "box_id", "in": "path", "required": true},
                    {"type": "string", "description": "Upload token of the box", "name": "Authorization", "in": "header", "required": true},
                    {"description": "Hourly and daily aggregates", "name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/model.AggregationsPayload"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object", "additionalProperties": true}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/api.errorResponse"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/api.errorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/api.errorResponse"}}
                }
            }
        },
        "/api/postTmuxStatus/{box_id}/": {
            "post": {
                "description": "Stores sensing process health-check records sent by a box",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "summary": "Receive process status",
                "parameters": [
                    {"type": "string", "description": "Box id", "name": "box_id", "in": "path", "required": true},
                    {"type": "string", "description": "Upload token of the box", "name": "Authorization", "in": "header", "required": true},
                    {"description": "Status records", "name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/model.StatusPayload"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object", "additionalProperties": true}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/api.errorResponse"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/api.errorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/api.errorResponse"}}
                }
            }
        },
        "/api/kpis/{box_id}": {
            "get": {
                "description": "Returns derived figures of a box: running since, seen per day, busiest hour and weekday, stasis",
                "produces": ["application/json"],
                "summary": "Box KPIs",
                "parameters": [
                    {"type": "string", "description": "Box id", "name": "box_id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/model.KPI"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/api.errorResponse"}}
                }
            }
        },
        "/api/boxes/averages": {
            "get": {
                "description": "Mean daily count of distinct observables for every registered box, ignoring days without any",
                "produces": ["application/json"],
                "summary": "Average observables per day, per box",
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/model.BoxAverage"}}}
                }
            }
        },
        "/api/boxes/{box_id}/observables": {
            "get": {
                "description": "Returns the distinct observables a box recorded events for in [start, end). Defaults to the last hour.",
                "produces": ["application/json"],
                "summary": "Observables seen by a box",
                "parameters": [
                    {"type": "string", "description": "Box id", "name": "box_id", "in": "path", "required": true},
                    {"type": "string", "description": "Window start (RFC 3339 or unix seconds)", "name": "start", "in": "query"},
                    {"type": "string", "description": "Window end (RFC 3339 or unix seconds)", "name": "end", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/model.Observable"}}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/api.errorResponse"}}
                }
            }
        },
        "/api/boxes/{box_id}/seen-by-hour": {
            "get": {
                "produces": ["application/json"],
                "summary": "Hourly aggregates of a box",
                "parameters": [
                    {"type": "string", "description": "Box id", "name": "box_id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/model.HourlyAggregate"}}}
                }
            }
        },
        "/api/observables/{observable_id}/events": {
            "get": {
                "produces": ["application/json"],
                "summary": "Events of an observable",
                "parameters": [
                    {"type": "string", "description": "Observable id", "name": "observable_id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/model.Event"}}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/api.errorResponse"}}
                }
            }
        },
        "/api/observables/{observable_id}/hourly": {
            "get": {
                "description": "Per hour: how often the observable was seen, its mean value and the packets captured",
                "produces": ["application/json"],
                "summary": "Hourly series of an observable",
                "parameters": [
                    {"type": "string", "description": "Observable id", "name": "observable_id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/model.SeriesPoint"}}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/api.errorResponse"}}
                }
            }
        },
        "/healthz": {
            "get": {
                "description": "Returns service health and the last run of every pipeline task",
                "produces": ["application/json"],
                "summary": "Health check",
                "responses": {
                    "200": {"description": "Health status", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        }
    },
    "definitions": {
        "api.errorResponse": {
            "type": "object",
            "properties": {"error": {"type": "string"}}
        },
        "model.Observable": {
            "type": "object",
            "required": ["id", "time_last_seen"],
            "properties": {
                "id": {"type": "string", "maxLength": 128},
                "time_last_seen": {"type": "string"}
            }
        },
        "model.Event": {
            "type": "object",
            "required": ["box_id", "observable_id", "time_seen"],
            "properties": {
                "id": {"type": "integer"},
                "box_id": {"type": "string"},
                "observable_id": {"type": "string", "maxLength": 128},
                "time_seen": {"type": "string"},
                "value": {"type": "number"},
                "access_point_id": {"type": "string"},
                "total_packets": {"type": "integer", "minimum": 0},
                "packets_captured": {"type": "integer", "minimum": 0},
                "observations": {"type": "object", "additionalProperties": true}
            }
        },
        "model.EventsPayload": {
            "type": "object",
            "properties": {
                "devices": {"type": "array", "items": {"$ref": "#/definitions/model.Observable"}},
                "events": {"type": "array", "items": {"$ref": "#/definitions/model.Event"}}
            }
        },
        "model.HourlyAggregate": {
            "type": "object",
            "required": ["box_id", "hour_start"],
            "properties": {
                "box_id": {"type": "string"},
                "hour_start": {"type": "string"},
                "seen": {"type": "integer", "minimum": 0},
                "seen_also_in_preceding_hour": {"type": "integer", "minimum": 0},
                "computed_at": {"type": "string"}
            }
        },
        "model.DailyAggregate": {
            "type": "object",
            "required": ["box_id", "day_start"],
            "properties": {
                "box_id": {"type": "string"},
                "day_start": {"type": "string"},
                "seen": {"type": "integer", "minimum": 0},
                "seen_also_on_preceding_day": {"type": "integer", "minimum": 0},
                "seen_also_a_week_earlier": {"type": "integer", "minimum": 0},
                "computed_at": {"type": "string"}
            }
        },
        "model.AggregationsPayload": {
            "type": "object",
            "properties": {
                "seen_by_hour": {"type": "array", "items": {"$ref": "#/definitions/model.HourlyAggregate"}},
                "seen_by_day": {"type": "array", "items": {"$ref": "#/definitions/model.DailyAggregate"}}
            }
        },
        "model.ProcessStatus": {
            "type": "object",
            "required": ["box_id", "time_stamp"],
            "properties": {
                "id": {"type": "integer"},
                "box_id": {"type": "string"},
                "sensor_status": {"type": "boolean"},
                "time_stamp": {"type": "string"}
            }
        },
        "model.StatusPayload": {
            "type": "object",
            "properties": {
                "tmux_statuss": {"type": "array", "items": {"$ref": "#/definitions/model.ProcessStatus"}}
            }
        },
        "model.SeriesPoint": {
            "type": "object",
            "properties": {
                "time": {"type": "integer"},
                "seen_count": {"type": "integer"},
                "mean_value": {"type": "number"},
                "packets_captured": {"type": "integer"}
            }
        },
        "model.BoxAverage": {
            "type": "object",
            "properties": {
                "box_id": {"type": "string"},
                "box_name": {"type": "string"},
                "mean_seen_each_day": {"type": "integer"}
            }
        },
        "model.HourlyBusyness": {
            "type": "object",
            "properties": {
                "hour_of_day": {"type": "integer"},
                "num_observables": {"type": "number"},
                "num_observables_mean": {"type": "number"},
                "percentage_margin_to_mean": {"type": "number"}
            }
        },
        "model.DailyBusyness": {
            "type": "object",
            "properties": {
                "weekday": {"type": "string"},
                "num_observables": {"type": "number"},
                "num_observables_mean": {"type": "number"},
                "percentage_margin_to_mean": {"type": "number"}
            }
        },
        "model.Busyness": {
            "type": "object",
            "properties": {
                "by_hour": {"$ref": "#/definitions/model.HourlyBusyness"},
                "by_day": {"$ref": "#/definitions/model.DailyBusyness"}
            }
        },
        "model.Stasis": {
            "type": "object",
            "properties": {
                "by_hour": {"type": "number"},
                "by_day": {"type": "number"},
                "by_week": {"type": "number"}
            }
        },
        "model.KPI": {
            "type": "object",
            "properties": {
                "box_id": {"type": "string"},
                "running_since": {"type": "string"},
                "seen_per_day": {"type": "number"},
                "busyness": {"$ref": "#/definitions/model.Busyness"},
                "stasis": {"$ref": "#/definitions/model.Stasis"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Tally API",
	Description:      "Upload receivers and read-only queries for device presence counts.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
