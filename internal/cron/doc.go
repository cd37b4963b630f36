// Package cron parses five-field cron expressions and searches for matching instants.
//
// Fields are minute, hour, day-of-month, month and day-of-week. Each field is
// "*" or a comma list of values, names (JAN..DEC, SUN..SAT), ranges "a-b" and
// steps "base/n". Day-of-week accepts 0-7 with both 0 and 7 meaning Sunday.
//
// Day matching follows the classic cron rule: when both day fields are
// restricted, an instant matches if EITHER of them matches.
package cron
