// sql_safety.go — 只读 SQL 验证 (dashboard /db-query 的安全闸)。
package store

import (
	"regexp"
	"strings"
)

var (
	// 去除 SQL 字符串字面量 (单引号包裹), 避免 WHERE x = 'DROP TABLE' 误报。
	reLiteral = regexp.MustCompile(`'[^']*'`)

	// SQL 首关键词提取。
	reFirstKeyword = regexp.MustCompile(`(?i)^\s*(\w+)`)

	// 写入关键词 (在去除字面量后检测)。
	reWriteKeywords = regexp.MustCompile(`(?i)\b(INSERT|UPDATE|DELETE|MERGE|UPSERT|CREATE|ALTER|DROP|TRUNCATE|GRANT|REVOKE)\b`)

	// 只读白名单 (首关键词必须是这些)。
	readOnlyWhitelist = map[string]bool{
		"SELECT": true, "WITH": true,
	}

	// 末尾分号。
	reSemicolon = regexp.MustCompile(`;\s*$`)
)

// StripSQLLiterals 去除 SQL 字符串字面量。
func StripSQLLiterals(sql string) string {
	return reLiteral.ReplaceAllString(sql, "''")
}

// ValidateSingleStatement 验证只包含单条 SQL。
func ValidateSingleStatement(sql string) error {
	// 去除末尾分号后，若还有分号则为多语句
	trimmed := strings.TrimSpace(sql)
	trimmed = reSemicolon.ReplaceAllString(trimmed, "")
	if strings.Contains(trimmed, ";") {
		return ErrMultiStatement
	}
	return nil
}

// FirstSQLKeyword 提取 SQL 首关键词。
func FirstSQLKeyword(sql string) string {
	if m := reFirstKeyword.FindStringSubmatch(sql); len(m) == 2 {
		return strings.ToUpper(m[1])
	}
	return ""
}

// ValidateReadOnlyQuery 验证只读查询:
// 单语句 + 首关键词白名单 (SELECT/WITH) + 去字面量后无写入关键词。
func ValidateReadOnlyQuery(sql string) error {
	if err := ValidateSingleStatement(sql); err != nil {
		return err
	}
	if !readOnlyWhitelist[FirstSQLKeyword(sql)] {
		return ErrDangerousSQL
	}
	stripped := StripSQLLiterals(sql)
	if reWriteKeywords.MatchString(stripped) {
		return ErrReadOnlyViolation
	}
	return nil
}
