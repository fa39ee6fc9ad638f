// Package core holds the ingestion and access rules of the service,
// independent of HTTP and storage details.
//
// # Ingestion
//
// [Coordinator.Ingest] resolves a connector for the requested kind, takes
// a slot from the [UploadLimiter], and inside one transaction:
//
//  1. inserts the data source with empty metadata
//  2. streams the connector's rows into the record table in batches
//  3. writes the columns and row count derived from that same stream
//
// Any failure, including cancellation of the request context, rolls the
// whole transaction back. Staged upload files are removed on every path.
//
// # Access
//
// [OwnershipGuard] is the only access policy. Data sources are checked by
// owner directly; raw records are checked through the source they belong
// to. [SourceService] runs the guard before every single-entity read or
// delete, and filters lists by owner in the query itself.
//
// # Errors
//
// [MapError] converts any error into the [UserMessage] sent to clients,
// with a stable support code such as AUTH003 or SRC001.
package core
