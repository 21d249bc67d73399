// Package domain defines the core types shared by the soft-ban service.
//
// Types in this package are plain value objects with no database or HTTP
// dependencies. Handlers, the block manager and every store implementation
// speak in these types.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON/DB tags are allowed (they're metadata, not behavior)
//   - Validation methods are allowed (they're pure functions on the type)
package domain
