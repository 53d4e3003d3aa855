// Package log defines the logging abstraction shared by all lib-chronos
// packages.
//
// Components accept a Logger and never construct one themselves; callers that
// do not care about logs pass a NoneLogger. GoLogger is a stdlib-backed
// implementation suitable for tests and small tools; the production
// implementation lives in the zap subpackage.
package log
