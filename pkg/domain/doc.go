// Package domain defines the core types shared by the agent controller: site
// identifiers, connection directions and the trust material stored per site.
//
// This package has no dependencies on transport or storage. The registry, the
// TLS channel builders and the pull/push endpoints all depend on it, never the
// other way round.
package domain
