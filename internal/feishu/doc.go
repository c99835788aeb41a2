// Package feishu holds what the Feishu client packages share: endpoint paths,
// the {code,msg} response envelope and the error taxonomy.
//
// The pieces live in sub-packages, leaves first:
//   - transport: pooled, retrying HTTPS client
//   - auth: app access token acquisition and caching
//   - card: interactive card rendering
//   - delivery: token + card + send, classified into an Outcome
package feishu
