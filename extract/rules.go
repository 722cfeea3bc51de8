package extract

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mnemohq/mnemo/memory"
)

// Rule drives detection for one entity type. Patterns are tried in order
// and a pattern hit scores MinConfidence plus a fixed bonus; when no
// pattern produced a candidate for the type, the first keyword-bearing
// sentence becomes a single candidate at MinConfidence.
type Rule struct {
	Type          memory.EntityType `yaml:"type"`
	Patterns      []string          `yaml:"patterns"`
	Keywords      []string          `yaml:"keywords"`
	MinConfidence float64           `yaml:"min_confidence"`
}

// DefaultRules returns the built-in rule table. Order matters: it fixes
// the order candidates come out of Detect.
func DefaultRules() []Rule {
	return []Rule{
		{
			Type: memory.TypeDecision,
			Patterns: []string{
				`(?:我|我们)?(?:决定|确定|选择|采用|使用)(?:了)?(.{5,50}?)(?:方案|方式|方法|来|作为|进行)?`,
				`(?:最终|最后)?(?:选择|采用|决定)(?:了)?(.{5,50})`,
				`(.{5,30}?)(?:是|作为)(?:最佳|最好|更好的)?(?:选择|方案)`,
			},
			Keywords:      []string{"决定", "采用", "选择", "确定使用", "决策", "敲定"},
			MinConfidence: 0.7,
		},
		{
			Type: memory.TypeArchitecture,
			Patterns: []string{
				`(?:采用|使用|基于)(.{5,50}?)(?:架构|设计|模式|结构)`,
				`(?:架构|设计|结构)(?:是|为|采用)(.{5,50})`,
				`(.{5,30}?)(?:分层|模块化|微服务|单体)`,
			},
			Keywords:      []string{"架构", "设计模式", "分层", "模块", "组件结构"},
			MinConfidence: 0.7,
		},
		{
			Type: memory.TypePreference,
			Patterns: []string{
				`(?:我|用户)?(?:喜欢|偏好|倾向于|更愿意)(.{5,50})`,
				`(?:prefer|偏好)(?:使用|用)?(.{5,50})`,
			},
			Keywords:      []string{"喜欢", "偏好", "倾向于", "prefer", "更喜欢"},
			MinConfidence: 0.6,
		},
		{
			Type: memory.TypeConcept,
			Patterns: []string{
				`(.{2,20}?)(?:是指|是什么|的意思是|定义为)(.{10,100})`,
				`(?:什么是|解释一下)(.{2,20})`,
				`我是(.{2,20}?)(?:，|,|。|$)`,
				`我叫(.{2,10})`,
				`我的名字是(.{2,10})`,
				`(?:我|用户)是(.{2,30}?)(?:的|，|,|。|$)`,
			},
			Keywords:      []string{"是什么", "什么是", "意思是", "定义", "概念", "解释", "我是", "我叫"},
			MinConfidence: 0.5,
		},
		{
			Type: memory.TypeHabit,
			Patterns: []string{
				`(?:我|用户)?(?:习惯|总是|一般会|通常|每次都)(.{5,50})`,
			},
			Keywords:      []string{"习惯", "总是", "一般会", "通常", "每次都"},
			MinConfidence: 0.6,
		},
		{
			Type: memory.TypeFile,
			Patterns: []string{
				`(.{5,50}\.(?:ts|js|vue|py|java|go))(?:文件)?(?:负责|处理|实现|包含)(.{5,50})`,
				`(?:在|修改|创建|查看)(.{5,50}\.(?:ts|js|vue|py|java|go))`,
			},
			Keywords:      []string{".ts", ".js", ".vue", ".py", "文件负责", "文件处理"},
			MinConfidence: 0.8,
		},
	}
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads a YAML rule file and merges it over the defaults: a
// rule whose type matches a built-in replaces it, anything else appends
// in file order.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}

	merged := DefaultRules()
	for _, r := range f.Rules {
		if !r.Type.Valid() {
			return nil, fmt.Errorf("rules %s: unknown entity type %q", path, r.Type)
		}
		if r.MinConfidence < 0 || r.MinConfidence > 1 {
			return nil, fmt.Errorf("rules %s: min_confidence %v out of range for %s", path, r.MinConfidence, r.Type)
		}
		replaced := false
		for i := range merged {
			if merged[i].Type == r.Type {
				merged[i] = r
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, r)
		}
	}
	return merged, nil
}
