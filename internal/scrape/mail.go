package scrape

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"llmbatch/internal/diag"
	"llmbatch/pkg/contract"
)

const (
	MailURL = "https://app.tuta.com/"

	selMailEmail    = "input[autocomplete='email']"
	selMailPassword = "input[autocomplete='current-password']"
	selMailRow      = "li.list-row"
	selMailBody     = "#mail-body"
)

// MailHeader: 邮件 CSV 的列顺序。
var MailHeader = []string{"摘要", "內文"}

// Mail: 收件箱中的一封未读邮件。Index 为其在列表中的位置。
type Mail struct {
	Index   int    `json:"index"`
	Summary string `json:"text"`
	Body    string `json:"-"`
}

// Text 返回摘要，有正文时接在其后。
func (m Mail) Text() string {
	s := strings.TrimSpace(m.Summary)
	if b := strings.TrimSpace(m.Body); b != "" {
		s += "\n" + b
	}
	return s
}

// MailLogin 登录网页邮箱；登录后等待收件箱载入。
func (s *Session) MailLogin(email, password string) error {
	return s.mailLogin(MailURL, email, password)
}

func (s *Session) mailLogin(pageURL, email, password string) error {
	err := chromedp.Run(s.ctx,
		chromedp.Navigate(pageURL),
		chromedp.WaitVisible(selMailEmail, chromedp.ByQuery),
		chromedp.SendKeys(selMailEmail, email, chromedp.ByQuery),
		chromedp.SendKeys(selMailPassword, password+kb.Enter, chromedp.ByQuery),
		chromedp.Sleep(3*s.settle),
	)
	if err != nil {
		return fmt.Errorf("mail login: %w", err)
	}
	return nil
}

// unreadJS: 列表项第二个 div 内带粗体摘要的视为未读。
var unreadJS = fmt.Sprintf(`Array.from(document.querySelectorAll(%q)).map((li, i) => {
  const d = li.querySelector("div:nth-of-type(2)");
  return d && d.querySelector("div.smaller.text-ellipsis.b") ? {index: i, text: d.innerText} : null;
}).filter(Boolean)`, selMailRow)

// UnreadMail 收集收件箱中的未读邮件摘要。withBody 时逐封点开读取正文；
// 单封读取失败只记录警告，保留摘要。
func (s *Session) UnreadMail(withBody bool) ([]Mail, error) {
	t := s.log.Start("scrape", "mail")
	var mails []Mail
	if err := chromedp.Run(s.ctx, chromedp.Evaluate(unreadJS, &mails)); err != nil {
		s.log.ErrorWith("scrape", string(diag.Classify(err)), "list mail: "+err.Error(), t.Since(), "", "")
		return nil, fmt.Errorf("list mail: %w", err)
	}
	if withBody {
		for i := range mails {
			body, err := s.mailBody(mails[i].Index)
			if err != nil {
				s.log.Warn("scrape", string(diag.Classify(err)), "mail body unavailable: "+err.Error(), "", strconv.Itoa(mails[i].Index), nil)
				continue
			}
			mails[i].Body = body
		}
	}
	t.Finish("mail", int64(len(mails)))
	return mails, nil
}

func (s *Session) mailBody(index int) (string, error) {
	open := fmt.Sprintf(`(() => {
  const li = document.querySelectorAll(%q)[%d];
  if (!li) return false;
  li.click();
  return true;
})()`, selMailRow, index)
	read := fmt.Sprintf(`(() => { const b = document.querySelector(%q); return b ? b.innerText : ""; })()`, selMailBody)
	var (
		ok   bool
		body string
	)
	if err := chromedp.Run(s.ctx, chromedp.Evaluate(open, &ok)); err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("row %d no longer listed", index)
	}
	if err := chromedp.Run(s.ctx, chromedp.Sleep(s.settle), chromedp.Evaluate(read, &body)); err != nil {
		return "", err
	}
	return strings.TrimSpace(body), nil
}

// JoinMail 以 "---" 分隔行拼接邮件文本，格式与评价卡片相同。
func JoinMail(mails []Mail) string {
	texts := make([]string, len(mails))
	for i, m := range mails {
		texts[i] = m.Text()
	}
	return JoinReviewCards(texts)
}

// MailDataset 将邮件转换为表格数据集。
func MailDataset(fileID contract.FileID, mails []Mail) contract.Dataset {
	ds := contract.Dataset{FileID: fileID, Header: append([]string(nil), MailHeader...)}
	for i, m := range mails {
		ds.Records = append(ds.Records, contract.Record{
			Index:  contract.Index(i),
			FileID: fileID,
			Fields: contract.Fields{"摘要": strings.TrimSpace(m.Summary), "內文": strings.TrimSpace(m.Body)},
		})
	}
	return ds
}
