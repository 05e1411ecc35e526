package scrape

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"llmbatch/internal/diag"
)

// 商品页与榜单页的固定地址与选择器。
const (
	GoodsURL = "https://www.momoshop.com.tw/goods/GoodsDetail.jsp?i_code="
	LoginURL = "https://app.sensortower.com/users/sign_in"

	selReviewTab   = ".goodsCommendLi"
	selReviewCard  = ".reviewCardInner"
	selPageItems   = "div.pageArea ul li"
	rankingItemIdx = 13
	rankingItems   = 15
)

// Options: 浏览器会话参数。
type Options struct {
	Headless bool
	// Timeout: 整个会话的超时；<=0 不限制。
	Timeout time.Duration
	Width   int
	Height  int
	// Settle: 页面跳转/点击后的等待时间，默认 1s。
	Settle time.Duration
	// ExecPath: 浏览器可执行文件；为空时由 chromedp 自动查找。
	ExecPath string
}

// Session: 一个 headless 浏览器实例。非并发安全，按顺序调用。
type Session struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	settle      time.Duration
	log         *diag.Logger
}

// NewSession 启动浏览器。
func NewSession(parent context.Context, o Options, log *diag.Logger) (*Session, error) {
	if log == nil {
		log = diag.Nop()
	}
	if o.Width <= 0 || o.Height <= 0 {
		o.Width, o.Height = 1000, 1350
	}
	if o.Settle <= 0 {
		o.Settle = time.Second
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", o.Headless),
		chromedp.WindowSize(o.Width, o.Height),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if o.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(o.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, opts...)
	ctx, cancel := chromedp.NewContext(allocCtx)
	if o.Timeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, o.Timeout)
		inner := cancel
		cancel = func() { tcancel(); inner() }
	}
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	log.DebugStart("scrape", "browser started", "", "", map[string]string{"headless": strconv.FormatBool(o.Headless)})
	return &Session{ctx: ctx, cancel: cancel, allocCancel: allocCancel, settle: o.Settle, log: log}, nil
}

// Close 关闭浏览器。
func (s *Session) Close() {
	s.cancel()
	s.allocCancel()
}

// ReviewCards 打开商品页的评价分页，逐页收集评价卡片文本。
func (s *Session) ReviewCards(code string) ([]string, error) {
	return s.reviewCards(GoodsURL + code)
}

func (s *Session) reviewCards(pageURL string) ([]string, error) {
	t := s.log.StartWith("scrape", "reviews", pageURL, "")
	var pages int
	err := chromedp.Run(s.ctx,
		chromedp.Navigate(pageURL),
		chromedp.Sleep(3*s.settle),
		chromedp.Click(selReviewTab, chromedp.ByQuery),
		chromedp.Sleep(s.settle),
		chromedp.Evaluate(fmt.Sprintf(`document.querySelectorAll(%q).length`, selPageItems), &pages),
	)
	if err != nil {
		s.log.ErrorWith("scrape", string(diag.Classify(err)), "open reviews: "+err.Error(), t.Since(), pageURL, "")
		return nil, fmt.Errorf("open reviews: %w", err)
	}
	if pages < 1 {
		pages = 1
	}
	var cards []string
	for i := 0; i < pages; i++ {
		var texts []string
		if err := chromedp.Run(s.ctx, chromedp.Evaluate(
			fmt.Sprintf(`Array.from(document.querySelectorAll(%q)).map(e => e.innerText)`, selReviewCard), &texts)); err != nil {
			return cards, fmt.Errorf("read page %d: %w", i+1, err)
		}
		cards = append(cards, texts...)
		if i == pages-1 {
			break
		}
		next := fmt.Sprintf(`dd[pageidx='%d']`, i+2)
		if err := chromedp.Run(s.ctx, chromedp.Click(next, chromedp.ByQuery), chromedp.Sleep(s.settle)); err != nil {
			return cards, fmt.Errorf("go to page %d: %w", i+2, err)
		}
	}
	t.Finish("reviews", int64(len(cards)))
	return cards, nil
}

// Login 以邮箱与密码登录榜单站点。
func (s *Session) Login(email, password string) error {
	err := chromedp.Run(s.ctx,
		chromedp.Navigate(LoginURL),
		chromedp.WaitVisible("#email", chromedp.ByID),
		chromedp.SendKeys("#email", email+kb.Enter, chromedp.ByID),
		chromedp.Sleep(s.settle),
		chromedp.WaitVisible("#password", chromedp.ByID),
		chromedp.SendKeys("#password", password+kb.Enter, chromedp.ByID),
		chromedp.Sleep(s.settle),
	)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	return nil
}

// rankingJS: 第 14 个 listitem 内的分类排名文本；结构不符时返回空串。
var rankingJS = fmt.Sprintf(`(() => {
  const items = document.querySelectorAll('div[role="listitem"]');
  if (items.length !== %d) return "";
  const el = items[%d].querySelector('a span[aria-labelledby="app-overview-unified-kpi-category-ranking"]');
  return el ? el.innerText : "";
})()`, rankingItems, rankingItemIdx)

// Rankings 依次抓取各目标的分类排名；单个目标失败记为 NA，不中止。
func (s *Session) Rankings(targets []Target) map[string]Ranking {
	out := make(map[string]Ranking, len(targets))
	for _, tg := range targets {
		var text string
		err := chromedp.Run(s.ctx,
			chromedp.Navigate(tg.URL),
			chromedp.Sleep(2*s.settle),
			chromedp.Evaluate(rankingJS, &text),
		)
		if err != nil {
			s.log.Warn("scrape", string(diag.Classify(err)), "ranking unavailable: "+err.Error(), tg.Key, "", nil)
			out[tg.Key] = Ranking{}
			continue
		}
		r, ok := ParseRanking(text)
		if !ok {
			s.log.Warn("scrape", string(diag.CodeProtocol), "ranking not found", tg.Key, "", nil)
		}
		out[tg.Key] = r
	}
	return out
}
