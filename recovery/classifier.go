package recovery

import (
	"context"
	"errors"
	"net"
	"regexp"

	"github.com/BaSui01/agentcore/types"
)

// ErrorCategory 错误分类。分类与可重试性正交：分类只描述错误，是否重试由策略单独决定。
type ErrorCategory string

const (
	CategoryTransient  ErrorCategory = "transient"
	CategoryTimeout    ErrorCategory = "timeout"
	CategoryNetwork    ErrorCategory = "network"
	CategoryRateLimit  ErrorCategory = "rate_limit"
	CategoryAuth       ErrorCategory = "auth"
	CategoryValidation ErrorCategory = "validation"
	CategoryPermanent  ErrorCategory = "permanent"
	CategoryCancelled  ErrorCategory = "cancelled"
	CategoryUnknown    ErrorCategory = "unknown"
)

// Classifier 将错误映射到分类；返回空字符串表示交给下一条规则
type Classifier func(err error) ErrorCategory

// ClassificationRule 有序分类规则，按 Errors → Pattern → Match 的顺序尝试匹配
type ClassificationRule struct {
	Name     string
	Category ErrorCategory
	// Errors 通过 errors.Is 匹配
	Errors []error
	// Pattern 匹配 err.Error()
	Pattern *regexp.Regexp
	// Match 自定义匹配
	Match func(err error) bool
}

func (r ClassificationRule) matches(err error) bool {
	for _, target := range r.Errors {
		if errors.Is(err, target) {
			return true
		}
	}
	if r.Pattern != nil && r.Pattern.MatchString(err.Error()) {
		return true
	}
	if r.Match != nil && r.Match(err) {
		return true
	}
	return false
}

// RuleClassifier 按顺序应用规则，首个命中的规则决定分类
type RuleClassifier struct {
	rules    []ClassificationRule
	fallback ErrorCategory
}

// NewRuleClassifier 创建规则分类器
func NewRuleClassifier(rules []ClassificationRule, fallback ErrorCategory) *RuleClassifier {
	if fallback == "" {
		fallback = CategoryUnknown
	}
	copied := make([]ClassificationRule, len(rules))
	copy(copied, rules)
	return &RuleClassifier{rules: copied, fallback: fallback}
}

// Classify 分类错误
func (c *RuleClassifier) Classify(err error) ErrorCategory {
	if err == nil {
		return ""
	}
	for _, rule := range c.rules {
		if rule.matches(err) {
			return rule.Category
		}
	}
	return c.fallback
}

// Rules 返回规则副本
func (c *RuleClassifier) Rules() []ClassificationRule {
	out := make([]ClassificationRule, len(c.rules))
	copy(out, c.rules)
	return out
}

var (
	rateLimitPattern  = regexp.MustCompile(`(?i)rate.?limit|too many requests|\b429\b|quota`)
	timeoutPattern    = regexp.MustCompile(`(?i)time(d)?.?out|deadline exceeded`)
	authPattern       = regexp.MustCompile(`(?i)unauthori[sz]ed|forbidden|\b401\b|\b403\b|invalid api key|authentication`)
	networkPattern    = regexp.MustCompile(`(?i)connection (reset|refused)|broken pipe|no such host|econn(reset|refused)|network is unreachable|\bEOF\b`)
	transientPattern  = regexp.MustCompile(`(?i)temporar(y|ily)|unavailable|overloaded|try again|\b50[234]\b`)
	validationPattern = regexp.MustCompile(`(?i)invalid (argument|input|request|parameter)|malformed|validation`)
	permanentPattern  = regexp.MustCompile(`(?i)not found|permission denied|unsupported|not implemented`)
)

// DefaultRules 默认分类规则（有序）
func DefaultRules() []ClassificationRule {
	return []ClassificationRule{
		{Name: "cancelled", Category: CategoryCancelled, Errors: []error{context.Canceled}},
		{Name: "policy_timeout", Category: CategoryTimeout, Errors: []error{ErrTimeout, context.DeadlineExceeded}},
		{Name: "net_timeout", Category: CategoryTimeout, Match: func(err error) bool {
			var netErr net.Error
			return errors.As(err, &netErr) && netErr.Timeout()
		}},
		{Name: "net_op", Category: CategoryNetwork, Match: func(err error) bool {
			var opErr *net.OpError
			return errors.As(err, &opErr)
		}},
		{Name: "rate_limit", Category: CategoryRateLimit, Pattern: rateLimitPattern},
		{Name: "auth", Category: CategoryAuth, Pattern: authPattern},
		{Name: "timeout", Category: CategoryTimeout, Pattern: timeoutPattern},
		{Name: "network", Category: CategoryNetwork, Pattern: networkPattern},
		{Name: "transient", Category: CategoryTransient, Pattern: transientPattern},
		{Name: "validation", Category: CategoryValidation, Pattern: validationPattern},
		{Name: "permanent", Category: CategoryPermanent, Pattern: permanentPattern},
	}
}

// codeCategories 结构化错误码到分类的映射
var codeCategories = map[types.ErrorCode]ErrorCategory{
	types.ErrRateLimit:          CategoryRateLimit,
	types.ErrQuotaExceeded:      CategoryRateLimit,
	types.ErrAuthentication:     CategoryAuth,
	types.ErrUnauthorized:       CategoryAuth,
	types.ErrForbidden:          CategoryAuth,
	types.ErrTimeout:            CategoryTimeout,
	types.ErrUpstreamTimeout:    CategoryTimeout,
	types.ErrNetwork:            CategoryNetwork,
	types.ErrModelOverloaded:    CategoryTransient,
	types.ErrServiceUnavailable: CategoryTransient,
	types.ErrUpstreamError:      CategoryTransient,
	types.ErrInvalidRequest:     CategoryValidation,
	types.ErrToolValidation:     CategoryValidation,
	types.ErrInternalError:      CategoryPermanent,
}

// ClassifyCode 按结构化错误码分类；未知码返回空
func ClassifyCode(err error) ErrorCategory {
	e, ok := types.AsError(err)
	if !ok {
		return ""
	}
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	if e.Retryable {
		return CategoryTransient
	}
	return ""
}

// defaultClassifier 默认分类器：类型化错误优先，其后为有序规则
var defaultClassifier = NewRuleClassifier(DefaultRules(), CategoryUnknown)

// Classify 使用默认规则分类错误
func Classify(err error) ErrorCategory {
	if err == nil {
		return ""
	}
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.Category
	}
	if errors.Is(err, context.Canceled) {
		return CategoryCancelled
	}
	if cat := ClassifyCode(err); cat != "" {
		return cat
	}
	return defaultClassifier.Classify(err)
}

// CategorizedError 携带显式分类的错误，调用方可用它绕过规则匹配
type CategorizedError struct {
	Category ErrorCategory
	Err      error
}

func (e *CategorizedError) Error() string {
	return e.Err.Error()
}

func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// WithCategory 为错误标注分类
func WithCategory(err error, category ErrorCategory) error {
	if err == nil {
		return nil
	}
	return &CategorizedError{Category: category, Err: err}
}

// DefaultRetryableCategories 默认可重试分类
func DefaultRetryableCategories() []ErrorCategory {
	return []ErrorCategory{
		CategoryTransient,
		CategoryTimeout,
		CategoryNetwork,
		CategoryRateLimit,
		CategoryUnknown,
	}
}
